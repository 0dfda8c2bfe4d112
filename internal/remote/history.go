package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FileRef locates a produced file on the server.
type FileRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is the raw output section of one node. Keys are output kinds
// such as "images" or "text".
type NodeOutput map[string]json.RawMessage

// Files returns the file descriptors stored under key, in server order.
// Entries that are not file descriptors are skipped.
func (o NodeOutput) Files(key string) []FileRef {
	raw, ok := o[key]
	if !ok {
		return nil
	}
	var entries []json.RawMessage
	if json.Unmarshal(raw, &entries) != nil {
		return nil
	}
	refs := make([]FileRef, 0, len(entries))
	for _, e := range entries {
		var ref FileRef
		if json.Unmarshal(e, &ref) != nil || ref.Filename == "" {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// Texts returns the string values stored under "text".
func (o NodeOutput) Texts() []string {
	raw, ok := o["text"]
	if !ok {
		return nil
	}
	var texts []string
	if json.Unmarshal(raw, &texts) == nil {
		return texts
	}
	var single string
	if json.Unmarshal(raw, &single) == nil {
		return []string{single}
	}
	return nil
}

// HistoryStatus is the execution outcome recorded with a history entry.
type HistoryStatus struct {
	StatusStr string              `json:"status_str"`
	Completed bool                `json:"completed"`
	Messages  [][]json.RawMessage `json:"messages"`
}

// HistoryRecord is the server's record of one finished prompt.
type HistoryRecord struct {
	PromptID string
	Outputs  map[string]NodeOutput
	// OutputOrder lists the keys of Outputs in server order.
	OutputOrder []string
	Status      HistoryStatus
}

// Succeeded reports whether the server recorded a successful run.
func (r *HistoryRecord) Succeeded() bool {
	return r.Status.StatusStr == "success" || (r.Status.StatusStr == "" && r.Status.Completed)
}

// Errored reports whether the server recorded a failed run.
func (r *HistoryRecord) Errored() bool {
	return r.Status.StatusStr == "error"
}

// ExecutionError extracts the failure detail from the status messages, if
// the run failed.
func (r *HistoryRecord) ExecutionError() *ExecutionError {
	for _, msg := range r.Status.Messages {
		if len(msg) != 2 {
			continue
		}
		var kind string
		if json.Unmarshal(msg[0], &kind) != nil {
			continue
		}
		if kind != EventExecutionError && kind != EventExecutionInterrupted {
			continue
		}
		var detail ExecutionError
		if json.Unmarshal(msg[1], &detail) != nil {
			continue
		}
		if detail.PromptID == "" {
			detail.PromptID = r.PromptID
		}
		if kind == EventExecutionInterrupted && detail.Message == "" {
			detail.Message = "execution interrupted"
		}
		return &detail
	}
	if r.Errored() {
		return &ExecutionError{PromptID: r.PromptID, Message: "execution failed"}
	}
	return nil
}

type historyDocument struct {
	Outputs json.RawMessage `json:"outputs"`
	Status  HistoryStatus   `json:"status"`
}

func decodeHistoryRecord(promptID string, raw json.RawMessage) (*HistoryRecord, error) {
	var doc historyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("record %s: %w", promptID, err)
	}
	rec := &HistoryRecord{PromptID: promptID, Outputs: map[string]NodeOutput{}, Status: doc.Status}

	outputs := bytes.TrimSpace(doc.Outputs)
	if len(outputs) == 0 || bytes.Equal(outputs, []byte("null")) {
		return rec, nil
	}

	dec := json.NewDecoder(bytes.NewReader(outputs))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, fmt.Errorf("record %s: outputs must be an object", promptID)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", promptID, err)
		}
		node, _ := tok.(string)
		var out NodeOutput
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("record %s: node %q: %w", promptID, node, err)
		}
		if _, dup := rec.Outputs[node]; !dup {
			rec.OutputOrder = append(rec.OutputOrder, node)
		}
		rec.Outputs[node] = out
	}
	return rec, nil
}
