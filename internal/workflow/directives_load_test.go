package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParseDirectivesJSON_LegacyObject(t *testing.T) {
	src := `{
		"2": {"id": "7", "type": "prompt", "value": "text, watermark"},
		"1": {"id": "6", "type": "CLIPTextEncode", "value": "a purple galaxy bottle"},
		"3": {"id": "3", "type": "seed", "value": 42},
		"4": {"id": "10", "type": "LoraInfo", "lora_name": "detail.safetensors"}
	}`

	got, err := ParseDirectivesJSON([]byte(src))
	require.NoError(t, err)

	want := []OverrideDirective{
		{Target: "7", Kind: KindTextPrompt, Value: "text, watermark"},
		{Target: "6", Kind: KindTextPrompt, Value: "a purple galaxy bottle"},
		{Target: "3", Kind: KindNumericSeed, Value: json.Number("42")},
		{Target: "10", Kind: KindLoraName, Value: "detail.safetensors"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("directives mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDirectivesJSON_Array(t *testing.T) {
	src := `[
		{"target": "6", "kind": "text-prompt", "value": "first"},
		{"target": 6, "kind": "text-prompt", "value": "second"}
	]`

	got, err := ParseDirectivesJSON([]byte(src))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "6", got[1].Target)
	require.Equal(t, "second", got[1].Value)
}

func TestParseDirectivesJSON_Errors(t *testing.T) {
	for name, src := range map[string]string{
		"unknown kind":   `[{"target": "1", "kind": "colour"}]`,
		"missing target": `[{"kind": "seed"}]`,
		"missing kind":   `[{"target": "1"}]`,
		"scalar":         `"nope"`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDirectivesJSON([]byte(src))
			require.Error(t, err)
		})
	}
}

func TestParseDirectivesHCL(t *testing.T) {
	src := `
override "6" "text-prompt" {
  value = "a cat on a sofa"
}

override "3" "seed" {
  value = 1234
}

override "3" "numeric-seed" {}

override "12" "cfg-scale" {
  value = 7.5
}
`
	got, err := ParseDirectivesHCL([]byte(src), "values.hcl")
	require.NoError(t, err)

	want := []OverrideDirective{
		{Target: "6", Kind: KindTextPrompt, Value: "a cat on a sofa"},
		{Target: "3", Kind: KindNumericSeed, Value: int64(1234)},
		{Target: "3", Kind: KindNumericSeed, Value: nil},
		{Target: "12", Kind: KindCFGScale, Value: 7.5},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("directives mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDirectivesHCL_InvalidKind(t *testing.T) {
	_, err := ParseDirectivesHCL([]byte(`override "1" "volume" { value = 3 }`), "values.hcl")
	require.ErrorContains(t, err, "unknown parameter kind")
}

func TestParseDirectivesYAML(t *testing.T) {
	src := `
- target: "6"
  kind: text-prompt
  value: a lighthouse at dusk
- target: 3
  kind: seed
  value: 99
`
	got, err := ParseDirectivesYAML([]byte(src))
	require.NoError(t, err)
	want := []OverrideDirective{
		{Target: "6", Kind: KindTextPrompt, Value: "a lighthouse at dusk"},
		{Target: "3", Kind: KindNumericSeed, Value: 99},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("directives mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadDirectives_DispatchesOnExtension(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"values.json": `[{"target": "1", "kind": "image", "value": "in.png"}]`,
		"values.hcl":  `override "1" "image" { value = "in.png" }`,
		"values.yml":  "- {target: '1', kind: image, value: in.png}\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		got, err := LoadDirectives(path)
		require.NoError(t, err, name)
		require.Equal(t, []OverrideDirective{{Target: "1", Kind: KindImage, Value: "in.png"}}, got, name)
	}

	txt := filepath.Join(dir, "values.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o644))
	_, err := LoadDirectives(txt)
	require.ErrorContains(t, err, "unsupported extension")
}

func TestParseParameterKind(t *testing.T) {
	k, err := ParseParameterKind("PortraitMasterStylePose.pose")
	require.NoError(t, err)
	require.Equal(t, KindPose, k)

	k, err = ParseParameterKind(" Numeric-Seed ")
	require.NoError(t, err)
	require.Equal(t, KindNumericSeed, k)

	_, err = ParseParameterKind("")
	require.Error(t, err)
	require.Len(t, ParameterKinds(), 10)
}
