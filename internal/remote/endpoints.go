package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// PromptResponse is the intake endpoint's answer to an accepted prompt.
type PromptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

type promptRequest struct {
	Prompt   json.Marshaler `json:"prompt"`
	ClientID string         `json:"client_id"`
}

// PostPrompt submits graph for execution.
func (c *Client) PostPrompt(ctx context.Context, graph json.Marshaler) (*PromptResponse, error) {
	data, err := c.do(ctx, "submit prompt", http.MethodPost, "/prompt", nil, promptRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return nil, err
	}
	var resp PromptResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("submit prompt: failed to decode response: %w", err)
	}
	if resp.PromptID == "" {
		return nil, fmt.Errorf("submit prompt: response carries no prompt_id")
	}
	return &resp, nil
}

// QueueSnapshot is one reading of the server's queue. Only membership is
// meaningful.
type QueueSnapshot struct {
	Pending map[string]struct{}
	Running map[string]struct{}
}

// IsPending reports whether id waits in the queue.
func (s QueueSnapshot) IsPending(id string) bool {
	_, ok := s.Pending[id]
	return ok
}

// IsRunning reports whether id is executing.
func (s QueueSnapshot) IsRunning(id string) bool {
	_, ok := s.Running[id]
	return ok
}

// Contains reports whether id is either pending or running.
func (s QueueSnapshot) Contains(id string) bool {
	return s.IsPending(id) || s.IsRunning(id)
}

type queueDocument struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// Queue reads the current queue. Entries are arrays whose second element is
// the prompt id; anything else is skipped.
func (c *Client) Queue(ctx context.Context) (QueueSnapshot, error) {
	var doc queueDocument
	if err := c.getJSON(ctx, "read queue", "/queue", nil, &doc); err != nil {
		return QueueSnapshot{}, err
	}
	return QueueSnapshot{
		Pending: promptIDs(doc.Pending),
		Running: promptIDs(doc.Running),
	}, nil
}

func promptIDs(entries []json.RawMessage) map[string]struct{} {
	ids := make(map[string]struct{}, len(entries))
	for _, raw := range entries {
		var entry []json.RawMessage
		if json.Unmarshal(raw, &entry) != nil || len(entry) < 2 {
			continue
		}
		var id string
		if json.Unmarshal(entry[1], &id) != nil || id == "" {
			continue
		}
		ids[id] = struct{}{}
	}
	return ids
}

// History fetches the execution record for promptID. The boolean is false
// when the server holds no record, either because the prompt has not
// finished or because the record was evicted.
func (c *Client) History(ctx context.Context, promptID string) (*HistoryRecord, bool, error) {
	data, err := c.do(ctx, "read history", http.MethodGet, "/history/"+url.PathEscape(promptID), nil, nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("read history: failed to decode response: %w", err)
	}
	raw, ok := doc[promptID]
	if !ok {
		return nil, false, nil
	}
	rec, err := decodeHistoryRecord(promptID, raw)
	if err != nil {
		return nil, false, fmt.Errorf("read history: %w", err)
	}
	return rec, true, nil
}

// View downloads the file ref points to.
func (c *Client) View(ctx context.Context, ref FileRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)
	return c.do(ctx, "view "+ref.Filename, http.MethodGet, "/view", q, nil)
}

// SystemStats describes the server host.
type SystemStats struct {
	System struct {
		OS             string `json:"os"`
		PythonVersion  string `json:"python_version"`
		ComfyUIVersion string `json:"comfyui_version"`
		EmbeddedPython bool   `json:"embedded_python"`
	} `json:"system"`
	Devices []Device `json:"devices"`
}

// Device is one compute device reported by the server.
type Device struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Index     int    `json:"index"`
	VRAMTotal int64  `json:"vram_total"`
	VRAMFree  int64  `json:"vram_free"`
}

// SystemStats reads the server's system information. It doubles as a
// reachability check.
func (c *Client) SystemStats(ctx context.Context) (*SystemStats, error) {
	var stats SystemStats
	if err := c.getJSON(ctx, "read system stats", "/system_stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
