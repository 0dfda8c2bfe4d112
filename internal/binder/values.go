package binder

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/specialistvlad/promptgrid/internal/workflow"
)

// MaxSeed is the upper bound (inclusive) of randomly drawn seeds.
const MaxSeed = 9999999

var errRandomSeed = errors.New("random seed requested")

// coerce converts a directive value into the form the server expects for
// kind. A nil seed or the string "random" yields errRandomSeed so the caller
// can draw one.
func coerce(kind workflow.ParameterKind, v any) (any, error) {
	switch kind {
	case workflow.KindTextPrompt:
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return normalizeText(s), nil

	case workflow.KindImage, workflow.KindFilenamePrefix, workflow.KindLoraName,
		workflow.KindStyle, workflow.KindPose, workflow.KindCheckpoint:
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, errors.New("value must not be empty")
		}
		return s, nil

	case workflow.KindNumericSeed:
		if v == nil {
			return nil, errRandomSeed
		}
		if s, ok := v.(string); ok && strings.EqualFold(strings.TrimSpace(s), "random") {
			return nil, errRandomSeed
		}
		n, err := asInt(v)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, errors.New("seed must not be negative")
		}
		return n, nil

	case workflow.KindSamplerSteps:
		n, err := asInt(v)
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, errors.New("steps must be positive")
		}
		return n, nil

	case workflow.KindCFGScale:
		f, err := asFloat(v)
		if err != nil {
			return nil, err
		}
		if f < 0 {
			return nil, errors.New("cfg must not be negative")
		}
		return f, nil
	}
	return nil, errors.New("unknown parameter kind")
}

// normalizeText folds line breaks into spaces and collapses whitespace runs.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func asString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case nil:
		return "", errors.New("value is missing")
	default:
		return "", errors.New("value must be a string")
	}
}

func asInt(v any) (int64, error) {
	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int64:
		return val, nil
	case float64:
		if val != math.Trunc(val) || val >= 1<<63 || val < -(1<<63) {
			return 0, errors.New("value must be a whole number")
		}
		return int64(val), nil
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, nil
		}
		f, err := val.Float64()
		if err != nil {
			return 0, errors.New("value must be a whole number")
		}
		return asInt(f)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, errors.New("value must be a whole number")
		}
		return n, nil
	case nil:
		return 0, errors.New("value is missing")
	default:
		return 0, errors.New("value must be a whole number")
	}
}

func asFloat(v any) (float64, error) {
	switch val := v.(type) {
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case float64:
		return val, nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, errors.New("value must be a number")
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, errors.New("value must be a number")
		}
		return f, nil
	case nil:
		return 0, errors.New("value is missing")
	default:
		return 0, errors.New("value must be a number")
	}
}
