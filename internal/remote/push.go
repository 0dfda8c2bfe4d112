package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Push channel event types.
const (
	EventStatus               = "status"
	EventExecutionStart       = "execution_start"
	EventExecutionCached      = "execution_cached"
	EventExecuting            = "executing"
	EventProgress             = "progress"
	EventExecuted             = "executed"
	EventExecutionSuccess     = "execution_success"
	EventExecutionError       = "execution_error"
	EventExecutionInterrupted = "execution_interrupted"
)

// Event is one frame read from the push channel.
type Event struct {
	Type     string
	PromptID string
	// Node is the node an executing/executed frame refers to. It is nil
	// when the frame carries no node, which for "executing" marks the end
	// of the prompt.
	Node *string
	Data json.RawMessage
	// Binary is set for binary frames (previews). They carry no JSON.
	Binary bool
	// Malformed is set when a text frame could not be decoded.
	Malformed bool
}

// Done reports whether an "executing" frame signals the end of its prompt.
func (e Event) Done() bool {
	return e.Type == EventExecuting && e.Node == nil
}

// ExecutionError is the detail of an execution_error frame.
type ExecutionError struct {
	PromptID      string   `json:"prompt_id"`
	NodeID        string   `json:"node_id"`
	NodeType      string   `json:"node_type"`
	ExceptionType string   `json:"exception_type"`
	Message       string   `json:"exception_message"`
	Traceback     []string `json:"traceback,omitempty"`
}

func (e *ExecutionError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %s (%s) failed: %s", e.NodeID, e.NodeType, e.Message)
	}
	return e.Message
}

// ExecutionError decodes the failure detail of an execution_error or
// execution_interrupted frame.
func (e Event) ExecutionError() *ExecutionError {
	var detail ExecutionError
	_ = json.Unmarshal(e.Data, &detail)
	if detail.PromptID == "" {
		detail.PromptID = e.PromptID
	}
	if detail.Message == "" {
		if e.Type == EventExecutionInterrupted {
			detail.Message = "execution interrupted"
		} else {
			detail.Message = "execution failed"
		}
	}
	return &detail
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type frameData struct {
	PromptID string          `json:"prompt_id"`
	Node     json.RawMessage `json:"node"`
}

// ParseEvent decodes a text frame. Undecodable input yields an event marked
// Malformed rather than an error.
func ParseEvent(payload []byte) Event {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil || f.Type == "" {
		return Event{Malformed: true, Data: payload}
	}
	ev := Event{Type: f.Type, Data: f.Data}

	var d frameData
	if len(f.Data) > 0 && json.Unmarshal(f.Data, &d) == nil {
		ev.PromptID = d.PromptID
		var node string
		if len(d.Node) > 0 && string(d.Node) != "null" && json.Unmarshal(d.Node, &node) == nil {
			ev.Node = &node
		}
	}
	return ev
}

// PushStream is an open push channel.
type PushStream interface {
	// ReadEvent blocks until the next frame. It returns an error only when
	// the connection is gone.
	ReadEvent() (Event, error)
	Close() error
}

type pushConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// DialPush opens the push channel for this client's id.
func (c *Client) DialPush(ctx context.Context) (PushStream, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + "/ws"
	u.RawQuery = url.Values{"clientId": []string{c.clientID}}.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &TransportError{Op: "open push channel", Err: err}
	}
	return &pushConn{conn: conn}, nil
}

func (p *pushConn) ReadEvent() (Event, error) {
	kind, payload, err := p.conn.ReadMessage()
	if err != nil {
		return Event{}, err
	}
	if kind == websocket.BinaryMessage {
		return Event{Binary: true}, nil
	}
	return ParseEvent(payload), nil
}

func (p *pushConn) Close() error {
	p.closeOnce.Do(func() {
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}
