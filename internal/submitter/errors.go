package submitter

import (
	"encoding/json"
	"fmt"
)

// RejectedSubmissionError means the server refused the graph as invalid. It
// is never retried.
type RejectedSubmissionError struct {
	StatusCode int
	Message    string
	// NodeErrors is the server's per-node validation detail, when sent.
	NodeErrors json.RawMessage
}

func (e *RejectedSubmissionError) Error() string {
	msg := fmt.Sprintf("server rejected submission (%d): %s", e.StatusCode, e.Message)
	if len(e.NodeErrors) > 0 {
		msg += "; node errors: " + string(e.NodeErrors)
	}
	return msg
}

// ServerUnavailableError means the server could not be reached, or kept
// answering with server errors, for every submission attempt. No job exists.
type ServerUnavailableError struct {
	Attempts int
	Err      error
}

func (e *ServerUnavailableError) Error() string {
	return fmt.Sprintf("server unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ServerUnavailableError) Unwrap() error {
	return e.Err
}
