package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// TransportError means the server could not be reached or the connection
// broke before a complete response arrived.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	// Message is the server's own error message when it sent one.
	Message string
	// NodeErrors holds the per-node validation detail of a rejected prompt.
	NodeErrors json.RawMessage
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = messageFor(e.StatusCode)
	}
	return fmt.Sprintf("%s: server responded %d: %s", e.Op, e.StatusCode, msg)
}

// ClientSide reports whether the server blamed the request (4xx).
func (e *StatusError) ClientSide() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

type errorBody struct {
	Error      json.RawMessage `json:"error"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details"`
}

func newStatusError(op string, code int, body []byte) *StatusError {
	e := &StatusError{Op: op, StatusCode: code, Body: body}

	var parsed errorBody
	if json.Unmarshal(body, &parsed) != nil {
		if text := strings.TrimSpace(string(body)); text != "" && len(text) < 512 {
			e.Message = text
		}
		return e
	}
	if len(parsed.NodeErrors) > 0 && string(parsed.NodeErrors) != "null" && string(parsed.NodeErrors) != "{}" {
		e.NodeErrors = parsed.NodeErrors
	}

	// "error" is an object on prompt rejection and a plain string elsewhere.
	var detail errorDetail
	var plain string
	switch {
	case json.Unmarshal(parsed.Error, &detail) == nil && detail.Message != "":
		e.Message = detail.Message
		if detail.Details != "" {
			e.Message += ": " + detail.Details
		}
	case json.Unmarshal(parsed.Error, &plain) == nil:
		e.Message = plain
	}
	return e
}

func messageFor(code int) string {
	switch {
	case code == http.StatusNotFound:
		return "not found"
	case code >= 400 && code < 500:
		return "request rejected"
	case code >= 500:
		return "server error"
	default:
		return http.StatusText(code)
	}
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Unavailable reports whether err means the server could not serve the
// request at all: a transport failure or a 5xx.
func Unavailable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 500
}
