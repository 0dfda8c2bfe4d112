package binder

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/specialistvlad/promptgrid/internal/workflow"
)

// Rules maps a parameter kind and a node kind to the input slot the value
// is written to.
type Rules struct {
	slots map[workflow.ParameterKind]map[string]string
}

// NewRules creates an empty rule table.
func NewRules() *Rules {
	return &Rules{slots: make(map[workflow.ParameterKind]map[string]string)}
}

// DefaultRules returns a rule table covering the stock node kinds.
func DefaultRules() *Rules {
	r := NewRules()
	for _, d := range defaultRules {
		r.Register(d.kind, d.nodeKind, d.input)
	}
	return r
}

var defaultRules = []struct {
	kind     workflow.ParameterKind
	nodeKind string
	input    string
}{
	{workflow.KindTextPrompt, "CLIPTextEncode", "text"},
	{workflow.KindTextPrompt, "GoogleTranslateTextNode", "text"},
	{workflow.KindNumericSeed, "KSampler", "seed"},
	{workflow.KindNumericSeed, "KSamplerAdvanced", "noise_seed"},
	{workflow.KindNumericSeed, "SamplerCustom", "noise_seed"},
	{workflow.KindNumericSeed, "RandomNoise", "noise_seed"},
	{workflow.KindImage, "LoadImage", "image"},
	{workflow.KindFilenamePrefix, "SaveImage", "filename_prefix"},
	{workflow.KindLoraName, "LoraLoader", "lora_name"},
	{workflow.KindLoraName, "LoraLoaderModelOnly", "lora_name"},
	{workflow.KindLoraName, "LoraLoaderTagsQuery", "lora_name"},
	{workflow.KindLoraName, "LoraInfo", "lora_name"},
	{workflow.KindStyle, "SDXLPromptStylerbyMood", "style"},
	{workflow.KindPose, "PortraitMasterStylePose", "model_pose"},
	{workflow.KindCheckpoint, "CheckpointLoaderSimple", "ckpt_name"},
	{workflow.KindSamplerSteps, "KSampler", "steps"},
	{workflow.KindSamplerSteps, "KSamplerAdvanced", "steps"},
	{workflow.KindCFGScale, "KSampler", "cfg"},
	{workflow.KindCFGScale, "KSamplerAdvanced", "cfg"},
}

// Register adds a rule. Registering the same kind/node-kind pair twice is a
// programming error and panics.
func (r *Rules) Register(kind workflow.ParameterKind, nodeKind, input string) {
	if !kind.Valid() {
		panic(fmt.Sprintf("binder rule for unknown parameter kind '%s'", kind))
	}
	if nodeKind == "" || input == "" {
		panic(fmt.Sprintf("binder rule for '%s' needs a node kind and an input", kind))
	}
	byNode, ok := r.slots[kind]
	if !ok {
		byNode = make(map[string]string)
		r.slots[kind] = byNode
	}
	if existing, exists := byNode[nodeKind]; exists {
		panic(fmt.Sprintf("binder rule '%s' on '%s' already registered (input '%s')", kind, nodeKind, existing))
	}
	slog.Debug("Registering binder rule.", "kind", kind, "node_kind", nodeKind, "input", input)
	byNode[nodeKind] = input
}

// Lookup returns the input slot for kind on a node of nodeKind.
func (r *Rules) Lookup(kind workflow.ParameterKind, nodeKind string) (string, bool) {
	input, ok := r.slots[kind][nodeKind]
	return input, ok
}

// NodeKinds lists the node kinds that accept kind, sorted.
func (r *Rules) NodeKinds(kind workflow.ParameterKind) []string {
	out := make([]string, 0, len(r.slots[kind]))
	for nodeKind := range r.slots[kind] {
		out = append(out, nodeKind)
	}
	sort.Strings(out)
	return out
}
