// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines GraphTemplate and SubmissionGraph, the two states of an
// execution graph: as loaded, and as bound with concrete values.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Node is one addressable unit of work in a graph.
type Node struct {
	ID     string
	Kind   string
	Inputs map[string]any
	Meta   map[string]any
}

// nodeDocument is the wire shape of a node inside an API-format workflow.
type nodeDocument struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

func (n *Node) clone() *Node {
	return &Node{
		ID:     n.ID,
		Kind:   n.Kind,
		Inputs: cloneMap(n.Inputs),
		Meta:   cloneMap(n.Meta),
	}
}

// Title returns the human readable title stored in the node's metadata, or
// its kind when no title was recorded.
func (n *Node) Title() string {
	if title, ok := n.Meta["title"].(string); ok && title != "" {
		return title
	}
	return n.Kind
}

// GraphTemplate is an immutable, ordered execution graph loaded from a
// workflow document.
type GraphTemplate struct {
	// Source is the path the template was loaded from, if any.
	Source string

	order []string
	nodes map[string]*Node
}

// NewTemplate builds a template from nodes in the given order. Node ids must
// be unique and every node needs a kind.
func NewTemplate(nodes ...*Node) (*GraphTemplate, error) {
	t := &GraphTemplate{nodes: make(map[string]*Node, len(nodes))}
	for _, n := range nodes {
		if err := t.add(n.clone()); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *GraphTemplate) add(n *Node) error {
	if n.ID == "" {
		return fmt.Errorf("node without id")
	}
	if n.Kind == "" {
		return fmt.Errorf("node %q: missing class_type", n.ID)
	}
	if _, exists := t.nodes[n.ID]; exists {
		return fmt.Errorf("node %q: declared more than once", n.ID)
	}
	if n.Inputs == nil {
		n.Inputs = map[string]any{}
	}
	t.order = append(t.order, n.ID)
	t.nodes[n.ID] = n
	return nil
}

// Len returns the number of nodes in the template.
func (t *GraphTemplate) Len() int {
	return len(t.order)
}

// IDs returns the node ids in document order.
func (t *GraphTemplate) IDs() []string {
	return append([]string(nil), t.order...)
}

// Node returns a copy of the node with the given id.
func (t *GraphTemplate) Node(id string) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n.clone(), true
}

// Instantiate returns a deep copy of the template that can be populated with
// values without affecting the template.
func (t *GraphTemplate) Instantiate() *SubmissionGraph {
	g := &SubmissionGraph{
		order: append([]string(nil), t.order...),
		nodes: make(map[string]*Node, len(t.nodes)),
	}
	for id, n := range t.nodes {
		g.nodes[id] = n.clone()
	}
	return g
}

// SubmissionGraph is a template with all directives applied. It is owned by
// whoever holds it until it is submitted and must not be mutated afterwards.
type SubmissionGraph struct {
	order []string
	nodes map[string]*Node
}

// Len returns the number of nodes in the graph.
func (g *SubmissionGraph) Len() int {
	return len(g.order)
}

// IDs returns the node ids in document order.
func (g *SubmissionGraph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Node returns the live node with the given id.
func (g *SubmissionGraph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Input returns the current value of a node's input slot.
func (g *SubmissionGraph) Input(id, name string) (any, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	v, ok := n.Inputs[name]
	return v, ok
}

// MarshalJSON renders the graph in the server's API format, preserving node
// order.
func (g *SubmissionGraph) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range g.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		n := g.nodes[id]
		body, err := json.Marshal(nodeDocument{ClassType: n.Kind, Inputs: n.Inputs, Meta: n.Meta})
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", id, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(body)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
