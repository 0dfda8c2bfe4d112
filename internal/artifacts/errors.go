package artifacts

import (
	"errors"
	"fmt"
)

// ErrNotSucceeded is returned when artifacts are requested for a job that
// did not succeed.
var ErrNotSucceeded = errors.New("job did not succeed")

// HistoryNotFoundError means the server holds no record of the prompt, even
// after the grace period. Retrying will not help.
type HistoryNotFoundError struct {
	PromptID string
}

func (e *HistoryNotFoundError) Error() string {
	return fmt.Sprintf("no history record for prompt %s", e.PromptID)
}

// ArtifactsUnavailableError means the outputs could not be read right now.
// The record may still be incomplete, or a download failed.
type ArtifactsUnavailableError struct {
	PromptID string
	Reason   string
	Err      error
}

func (e *ArtifactsUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("artifacts of prompt %s unavailable: %s: %v", e.PromptID, e.Reason, e.Err)
	}
	return fmt.Sprintf("artifacts of prompt %s unavailable: %s", e.PromptID, e.Reason)
}

func (e *ArtifactsUnavailableError) Unwrap() error {
	return e.Err
}

// Retryable reports that a later call may succeed.
func (e *ArtifactsUnavailableError) Retryable() bool {
	return true
}
