// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file loads API-format workflow documents into a GraphTemplate. The
// decoder walks the top-level object token by token so that node order is
// kept exactly as written.
package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrUIFormat is returned for workflows saved in the editor's UI format
// instead of the API format the server accepts.
var ErrUIFormat = errors.New("workflow is in UI format; export it with \"Save (API Format)\"")

// LoadTemplate reads and parses the workflow document at path.
func LoadTemplate(path string) (*GraphTemplate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow: %w", err)
	}
	defer f.Close()

	t, err := ParseTemplate(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse workflow %s: %w", path, err)
	}
	t.Source = path
	return t, nil
}

// ParseTemplate decodes an API-format workflow document.
func ParseTemplate(r io.Reader) (*GraphTemplate, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("workflow document must be a JSON object: %w", err)
	}

	t := &GraphTemplate{nodes: map[string]*Node{}}
	// A UI-format document has scalar keys before its "nodes" array, so
	// shape errors are held back until the whole object has been seen.
	var shapeErr error
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		id, _ := tok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("node %q: %w", id, err)
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '{' {
			if id == "nodes" && len(raw) > 0 && raw[0] == '[' {
				return nil, ErrUIFormat
			}
			if shapeErr == nil {
				shapeErr = fmt.Errorf("node %q: expected an object", id)
			}
			continue
		}
		if shapeErr != nil {
			continue
		}

		var doc nodeDocument
		nodeDec := json.NewDecoder(bytes.NewReader(raw))
		nodeDec.UseNumber()
		if err := nodeDec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("node %q: %w", id, err)
		}
		if err := t.add(&Node{ID: id, Kind: doc.ClassType, Inputs: doc.Inputs, Meta: doc.Meta}); err != nil {
			return nil, err
		}
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	if shapeErr != nil {
		return nil, shapeErr
	}
	if t.Len() == 0 {
		return nil, errors.New("workflow has no nodes")
	}
	return t, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, found %v", want, tok)
	}
	return nil
}
