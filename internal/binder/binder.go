// Package binder applies override directives onto a workflow template and
// records what each directive changed.
package binder

import (
	"errors"
	"math/rand"

	"github.com/specialistvlad/promptgrid/internal/workflow"
)

// Change records the effect of a single directive. Changes are reported in
// directive order, one per directive, including directives later overwritten
// by another one.
type Change struct {
	Target   string
	Kind     workflow.ParameterKind
	Input    string
	OldValue any
	NewValue any
}

// Binder turns a template plus directives into a submission graph.
type Binder struct {
	rules *Rules
	seed  func() int64
}

// Option configures a Binder.
type Option func(*Binder)

// WithSeedSource replaces the generator used for random seeds.
func WithSeedSource(fn func() int64) Option {
	return func(b *Binder) { b.seed = fn }
}

// New creates a Binder over rules. A nil rules uses DefaultRules.
func New(rules *Rules, opts ...Option) *Binder {
	if rules == nil {
		rules = DefaultRules()
	}
	b := &Binder{
		rules: rules,
		seed:  func() int64 { return rand.Int63n(MaxSeed + 1) },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind applies directives in order to a fresh copy of t. The template is not
// modified. The first invalid directive aborts binding and no graph is
// returned.
func (b *Binder) Bind(t *workflow.GraphTemplate, directives []workflow.OverrideDirective) (*workflow.SubmissionGraph, []Change, error) {
	g := t.Instantiate()
	changes := make([]Change, 0, len(directives))

	for i, d := range directives {
		n, ok := g.Node(d.Target)
		if !ok {
			return nil, nil, &UnknownTargetError{Index: i, Target: d.Target}
		}
		input, ok := b.rules.Lookup(d.Kind, n.Kind)
		if !ok {
			return nil, nil, &UnsupportedParameterError{Index: i, Target: d.Target, Kind: d.Kind, NodeKind: n.Kind}
		}

		value, err := coerce(d.Kind, d.Value)
		if errors.Is(err, errRandomSeed) {
			value, err = b.seed(), nil
		}
		if err != nil {
			return nil, nil, &InvalidValueError{Index: i, Target: d.Target, Kind: d.Kind, Value: d.Value, Reason: err.Error()}
		}

		changes = append(changes, Change{
			Target:   d.Target,
			Kind:     d.Kind,
			Input:    input,
			OldValue: n.Inputs[input],
			NewValue: value,
		})
		n.Inputs[input] = value
	}
	return g, changes, nil
}
