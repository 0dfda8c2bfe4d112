// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines OverrideDirective and the closed set of parameter kinds a
// directive may target.
package workflow

import (
	"fmt"
	"strings"
)

// ParameterKind names the kind of value a directive sets. The binder maps a
// kind, together with the target node's kind, to a concrete input slot.
type ParameterKind string

const (
	KindTextPrompt     ParameterKind = "text-prompt"
	KindNumericSeed    ParameterKind = "numeric-seed"
	KindImage          ParameterKind = "image"
	KindFilenamePrefix ParameterKind = "filename-prefix"
	KindLoraName       ParameterKind = "lora-name"
	KindStyle          ParameterKind = "style"
	KindPose           ParameterKind = "pose"
	KindCheckpoint     ParameterKind = "checkpoint"
	KindSamplerSteps   ParameterKind = "sampler-steps"
	KindCFGScale       ParameterKind = "cfg-scale"
)

var parameterKinds = []ParameterKind{
	KindTextPrompt,
	KindNumericSeed,
	KindImage,
	KindFilenamePrefix,
	KindLoraName,
	KindStyle,
	KindPose,
	KindCheckpoint,
	KindSamplerSteps,
	KindCFGScale,
}

// legacyKinds maps the directive type names found in older values files onto
// parameter kinds.
var legacyKinds = map[string]ParameterKind{
	"prompt":                       KindTextPrompt,
	"cliptextencode":               KindTextPrompt,
	"googletranslatetextnode":      KindTextPrompt,
	"seed":                         KindNumericSeed,
	"saveimage":                    KindFilenamePrefix,
	"loraloadertagsquery":          KindLoraName,
	"lorainfo":                     KindLoraName,
	"sdxlpromptstylerbymood":       KindStyle,
	"portraitmasterstylepose.pose": KindPose,
}

// ParameterKinds returns every known parameter kind.
func ParameterKinds() []ParameterKind {
	return append([]ParameterKind(nil), parameterKinds...)
}

// Valid reports whether k is one of the known parameter kinds.
func (k ParameterKind) Valid() bool {
	for _, known := range parameterKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseParameterKind resolves a canonical kind name or a legacy alias.
func ParseParameterKind(s string) (ParameterKind, error) {
	name := strings.TrimSpace(s)
	if k := ParameterKind(strings.ToLower(name)); k.Valid() {
		return k, nil
	}
	if k, ok := legacyKinds[strings.ToLower(name)]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown parameter kind %q", s)
}

// OverrideDirective requests that one parameter of one node be set to Value.
type OverrideDirective struct {
	Target string
	Kind   ParameterKind
	Value  any
}

func (d OverrideDirective) String() string {
	return fmt.Sprintf("%s[%s]", d.Target, d.Kind)
}
