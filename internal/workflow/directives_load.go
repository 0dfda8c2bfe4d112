// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file loads override directives from values files. Three encodings are
// accepted, selected by file extension:
//
//   - .json: either the legacy object form keyed "1", "2", ... whose entries
//     carry {id, type, value}, or an array of {target, kind, value}.
//   - .hcl: `override "<node>" "<kind>" { value = ... }` blocks.
//   - .yaml / .yml: a list of {target, kind, value} mappings.
//
// In every encoding the directive order is the order of appearance.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

// valueFallbackKeys are read when a legacy entry has no "value" field; older
// values files stored the payload under the input's own name.
var valueFallbackKeys = []string{"lora_name", "style", "model_pose", "text"}

// LoadDirectives reads the values file at path.
func LoadDirectives(path string) ([]OverrideDirective, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read values file: %w", err)
	}

	var directives []OverrideDirective
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		directives, err = ParseDirectivesJSON(src)
	case ".hcl":
		directives, err = ParseDirectivesHCL(src, path)
	case ".yaml", ".yml":
		directives, err = ParseDirectivesYAML(src)
	default:
		return nil, fmt.Errorf("values file %s: unsupported extension %q", path, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse values file %s: %w", path, err)
	}
	return directives, nil
}

// ParseDirectivesJSON decodes the JSON encodings of a values file.
func ParseDirectivesJSON(src []byte) ([]OverrideDirective, error) {
	src = bytes.TrimSpace(src)
	if len(src) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(src))
	dec.UseNumber()

	switch src[0] {
	case '[':
		var entries []map[string]any
		if err := dec.Decode(&entries); err != nil {
			return nil, err
		}
		out := make([]OverrideDirective, 0, len(entries))
		for i, fields := range entries {
			d, err := directiveFromFields(fields)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			out = append(out, d)
		}
		return out, nil

	case '{':
		if err := expectDelim(dec, '{'); err != nil {
			return nil, err
		}
		var out []OverrideDirective
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			var fields map[string]any
			if err := dec.Decode(&fields); err != nil {
				return nil, fmt.Errorf("entry %v: %w", tok, err)
			}
			d, err := directiveFromFields(fields)
			if err != nil {
				return nil, fmt.Errorf("entry %v: %w", tok, err)
			}
			out = append(out, d)
		}
		return out, expectDelim(dec, '}')

	default:
		return nil, fmt.Errorf("values document must be a JSON object or array")
	}
}

type hclValuesFile struct {
	Overrides []*hclOverride `hcl:"override,block"`
}

type hclOverride struct {
	Target string    `hcl:"target,label"`
	Kind   string    `hcl:"kind,label"`
	Value  cty.Value `hcl:"value,optional"`
}

// ParseDirectivesHCL decodes `override` blocks. filename is only used in
// diagnostics.
func ParseDirectivesHCL(src []byte, filename string) ([]OverrideDirective, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, diags
	}

	var parsed hclValuesFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, diags
	}

	out := make([]OverrideDirective, 0, len(parsed.Overrides))
	for _, o := range parsed.Overrides {
		kind, err := ParseParameterKind(o.Kind)
		if err != nil {
			return nil, fmt.Errorf("override %q: %w", o.Target, err)
		}
		value, err := ctyValueToInterface(o.Value)
		if err != nil {
			return nil, fmt.Errorf("override %q: %w", o.Target, err)
		}
		out = append(out, OverrideDirective{Target: o.Target, Kind: kind, Value: value})
	}
	return out, nil
}

// ParseDirectivesYAML decodes a YAML list of directives.
func ParseDirectivesYAML(src []byte) ([]OverrideDirective, error) {
	var entries []map[string]any
	if err := yaml.Unmarshal(src, &entries); err != nil {
		return nil, err
	}
	out := make([]OverrideDirective, 0, len(entries))
	for i, fields := range entries {
		d, err := directiveFromFields(fields)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func directiveFromFields(fields map[string]any) (OverrideDirective, error) {
	target := scalarString(firstPresent(fields, "target", "id"))
	if target == "" {
		return OverrideDirective{}, fmt.Errorf("missing target node id")
	}
	rawKind := scalarString(firstPresent(fields, "kind", "type"))
	if rawKind == "" {
		return OverrideDirective{}, fmt.Errorf("node %q: missing parameter kind", target)
	}
	kind, err := ParseParameterKind(rawKind)
	if err != nil {
		return OverrideDirective{}, fmt.Errorf("node %q: %w", target, err)
	}

	value, ok := fields["value"]
	if !ok {
		value = firstPresent(fields, valueFallbackKeys...)
	}
	return OverrideDirective{Target: target, Kind: kind, Value: value}, nil
}

func firstPresent(fields map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return v
		}
	}
	return nil
}

func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}
