package binder

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/promptgrid/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkflow = `{
  "3": {"class_type": "KSampler", "inputs": {"seed": 5, "steps": 20, "cfg": 8, "model": ["4", 0]}},
  "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "base.safetensors"}},
  "6": {"class_type": "CLIPTextEncode", "inputs": {"text": "a bottle", "clip": ["4", 1]}},
  "7": {"class_type": "CLIPTextEncode", "inputs": {"text": "watermark", "clip": ["4", 1]}},
  "9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "ComfyUI", "images": ["8", 0]}},
  "10": {"class_type": "VAEDecode", "inputs": {"samples": ["3", 0]}}
}`

func loadTestTemplate(t *testing.T) *workflow.GraphTemplate {
	t.Helper()
	tmpl, err := workflow.ParseTemplate(strings.NewReader(testWorkflow))
	require.NoError(t, err)
	return tmpl
}

func TestBind_AppliesDirectivesInOrder(t *testing.T) {
	tmpl := loadTestTemplate(t)
	b := New(nil)

	directives := []workflow.OverrideDirective{
		{Target: "6", Kind: workflow.KindTextPrompt, Value: "a red\r\nfox   in snow"},
		{Target: "3", Kind: workflow.KindNumericSeed, Value: json.Number("42")},
		{Target: "6", Kind: workflow.KindTextPrompt, Value: "a blue fox"},
		{Target: "9", Kind: workflow.KindFilenamePrefix, Value: "fox"},
		{Target: "3", Kind: workflow.KindCFGScale, Value: "6.5"},
	}

	g, changes, err := b.Bind(tmpl, directives)
	require.NoError(t, err)

	require.Equal(t, tmpl.Len(), g.Len())
	require.Len(t, changes, len(directives))

	want := []Change{
		{Target: "6", Kind: workflow.KindTextPrompt, Input: "text", OldValue: "a bottle", NewValue: "a red fox in snow"},
		{Target: "3", Kind: workflow.KindNumericSeed, Input: "seed", OldValue: json.Number("5"), NewValue: int64(42)},
		{Target: "6", Kind: workflow.KindTextPrompt, Input: "text", OldValue: "a red fox in snow", NewValue: "a blue fox"},
		{Target: "9", Kind: workflow.KindFilenamePrefix, Input: "filename_prefix", OldValue: "ComfyUI", NewValue: "fox"},
		{Target: "3", Kind: workflow.KindCFGScale, Input: "cfg", OldValue: json.Number("8"), NewValue: 6.5},
	}
	if diff := cmp.Diff(want, changes); diff != "" {
		t.Fatalf("changes mismatch (-want +got):\n%s", diff)
	}

	text, _ := g.Input("6", "text")
	assert.Equal(t, "a blue fox", text, "last write wins")

	// The template itself is untouched.
	orig, _ := tmpl.Node("6")
	assert.Equal(t, "a bottle", orig.Inputs["text"])
}

func TestBind_NoDirectives(t *testing.T) {
	tmpl := loadTestTemplate(t)
	g, changes, err := New(nil).Bind(tmpl, nil)
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.Equal(t, tmpl.IDs(), g.IDs())
}

func TestBind_RandomSeed(t *testing.T) {
	tmpl := loadTestTemplate(t)
	b := New(nil, WithSeedSource(func() int64 { return 777 }))

	for _, v := range []any{nil, "random", " RANDOM "} {
		t.Run(fmt.Sprintf("%v", v), func(t *testing.T) {
			g, changes, err := b.Bind(tmpl, []workflow.OverrideDirective{{Target: "3", Kind: workflow.KindNumericSeed, Value: v}})
			require.NoError(t, err)
			require.Equal(t, int64(777), changes[0].NewValue)
			seed, _ := g.Input("3", "seed")
			require.Equal(t, int64(777), seed)
		})
	}
}

func TestBind_DefaultSeedSourceStaysInRange(t *testing.T) {
	tmpl := loadTestTemplate(t)
	b := New(nil)
	for i := 0; i < 50; i++ {
		_, changes, err := b.Bind(tmpl, []workflow.OverrideDirective{{Target: "3", Kind: workflow.KindNumericSeed}})
		require.NoError(t, err)
		seed := changes[0].NewValue.(int64)
		require.GreaterOrEqual(t, seed, int64(0))
		require.LessOrEqual(t, seed, int64(MaxSeed))
	}
}

func TestBind_Errors(t *testing.T) {
	tmpl := loadTestTemplate(t)
	b := New(nil)

	t.Run("unknown target", func(t *testing.T) {
		_, _, err := b.Bind(tmpl, []workflow.OverrideDirective{
			{Target: "6", Kind: workflow.KindTextPrompt, Value: "ok"},
			{Target: "99", Kind: workflow.KindTextPrompt, Value: "x"},
		})
		var target *UnknownTargetError
		require.True(t, errors.As(err, &target), "got %v", err)
		assert.Equal(t, "99", target.Target)
		assert.Equal(t, 1, target.Index)
	})

	t.Run("unsupported parameter", func(t *testing.T) {
		_, _, err := b.Bind(tmpl, []workflow.OverrideDirective{{Target: "10", Kind: workflow.KindTextPrompt, Value: "x"}})
		var unsupported *UnsupportedParameterError
		require.True(t, errors.As(err, &unsupported), "got %v", err)
		assert.Equal(t, "VAEDecode", unsupported.NodeKind)
	})

	invalid := []workflow.OverrideDirective{
		{Target: "3", Kind: workflow.KindNumericSeed, Value: 1.5},
		{Target: "3", Kind: workflow.KindSamplerSteps, Value: 1e300},
		{Target: "3", Kind: workflow.KindNumericSeed, Value: -1},
		{Target: "3", Kind: workflow.KindSamplerSteps, Value: 0},
		{Target: "3", Kind: workflow.KindCFGScale, Value: "high"},
		{Target: "6", Kind: workflow.KindTextPrompt, Value: 12},
		{Target: "4", Kind: workflow.KindCheckpoint, Value: "  "},
	}
	for _, d := range invalid {
		t.Run("invalid "+d.String(), func(t *testing.T) {
			_, _, err := b.Bind(tmpl, []workflow.OverrideDirective{d})
			var iv *InvalidValueError
			require.True(t, errors.As(err, &iv), "got %v", err)
		})
	}
}

func TestAsInt_Range(t *testing.T) {
	for _, v := range []any{1e300, -1e300, float64(1 << 63), json.Number("1e300"), math.Inf(1), math.NaN()} {
		_, err := asInt(v)
		require.Error(t, err, "%v", v)
		assert.Contains(t, err.Error(), "whole number")
	}

	n, err := asInt(float64(1 << 62))
	require.NoError(t, err)
	assert.Equal(t, int64(1<<62), n)

	n, err = asInt(float64(-(1 << 63)))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), n)
}

func TestRules(t *testing.T) {
	r := NewRules()
	r.Register(workflow.KindTextPrompt, "MyPromptNode", "prompt")

	input, ok := r.Lookup(workflow.KindTextPrompt, "MyPromptNode")
	require.True(t, ok)
	require.Equal(t, "prompt", input)

	_, ok = r.Lookup(workflow.KindNumericSeed, "MyPromptNode")
	require.False(t, ok)

	require.Panics(t, func() { r.Register(workflow.KindTextPrompt, "MyPromptNode", "text") })
	require.Panics(t, func() { r.Register("volume", "MyPromptNode", "text") })

	defaults := DefaultRules()
	require.Equal(t, []string{"KSampler", "KSamplerAdvanced", "RandomNoise", "SamplerCustom"}, defaults.NodeKinds(workflow.KindNumericSeed))
}

func TestBind_CustomRule(t *testing.T) {
	tmpl, err := workflow.NewTemplate(&workflow.Node{ID: "1", Kind: "MyPromptNode", Inputs: map[string]any{"prompt": ""}})
	require.NoError(t, err)

	rules := DefaultRules()
	rules.Register(workflow.KindTextPrompt, "MyPromptNode", "prompt")

	g, _, err := New(rules).Bind(tmpl, []workflow.OverrideDirective{{Target: "1", Kind: workflow.KindTextPrompt, Value: "hello\nworld"}})
	require.NoError(t, err)
	v, _ := g.Input("1", "prompt")
	require.Equal(t, "hello world", v)
}
