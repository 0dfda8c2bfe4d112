// Package job defines the local tracking record of one submitted graph and
// the state machine it moves through.
package job

import (
	"fmt"
	"time"

	"github.com/specialistvlad/promptgrid/internal/remote"
)

// State is the tracking state of a job.
type State int32

const (
	StateSubmitted State = iota
	StateQueued
	StateRunning
	StateSucceeded
	StateFailed
	StateTimedOut
	StateLostConnection
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateLostConnection:
		return "lost_connection"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s >= StateSucceeded && s <= StateLostConnection
}

var allowedTransitions = map[State]map[State]bool{
	StateSubmitted: {
		StateQueued:         true,
		StateRunning:        true,
		StateSucceeded:      true,
		StateFailed:         true,
		StateTimedOut:       true,
		StateLostConnection: true,
	},
	StateQueued: {
		StateRunning:        true,
		StateSucceeded:      true,
		StateFailed:         true,
		StateTimedOut:       true,
		StateLostConnection: true,
	},
	StateRunning: {
		StateSucceeded:      true,
		StateFailed:         true,
		StateTimedOut:       true,
		StateLostConnection: true,
	},
}

// CanTransition reports whether a job may move from one state to another.
// Staying in the same non-terminal state is allowed and is a no-op.
func CanTransition(from, to State) bool {
	if from == to {
		return !from.Terminal()
	}
	return allowedTransitions[from][to]
}

// Source names the signal that moved a job.
type Source string

const (
	SourcePush     Source = "push"
	SourcePull     Source = "pull"
	SourceHistory  Source = "history"
	SourceDeadline Source = "deadline"
	SourceMonitor  Source = "connection"
)

// Job is the local tracking record of one submission. RemoteID never changes
// once set.
type Job struct {
	LocalID     string
	RemoteID    string
	SubmittedAt time.Time
	Deadline    time.Time
	State       State
	// Observed is set once the job was seen pending or running on the server.
	Observed bool
	// PushDegraded is set while the push channel is down.
	PushDegraded bool
	// Failure carries the server's error detail for a Failed job.
	Failure *remote.ExecutionError
	// Source is the signal that resolved the job, once terminal.
	Source     Source
	ResolvedAt time.Time
}

// New returns a job in StateSubmitted.
func New(localID, remoteID string, submittedAt time.Time, timeout time.Duration) *Job {
	return &Job{
		LocalID:     localID,
		RemoteID:    remoteID,
		SubmittedAt: submittedAt,
		Deadline:    submittedAt.Add(timeout),
		State:       StateSubmitted,
	}
}

// Overdue reports whether now is past the job's deadline.
func (j *Job) Overdue(now time.Time) bool {
	return !j.Deadline.IsZero() && now.After(j.Deadline)
}

// Reason separates a job that failed on its own from one the client lost
// track of.
type Reason string

const (
	ReasonCompleted Reason = "completed"
	ReasonJobFailed Reason = "job-failed"
	ReasonLostTrack Reason = "lost-track"
)

// ReasonFor maps a terminal state to its reason.
func ReasonFor(s State) Reason {
	switch s {
	case StateSucceeded:
		return ReasonCompleted
	case StateFailed:
		return ReasonJobFailed
	default:
		return ReasonLostTrack
	}
}

// Report is the terminal outcome handed to the caller, exactly once per job.
type Report struct {
	LocalID     string
	RemoteID    string
	State       State
	Reason      Reason
	Failure     *remote.ExecutionError
	Source      Source
	SubmittedAt time.Time
	ResolvedAt  time.Time
}

// Report builds the terminal report of j.
func (j *Job) Report() Report {
	return Report{
		LocalID:     j.LocalID,
		RemoteID:    j.RemoteID,
		State:       j.State,
		Reason:      ReasonFor(j.State),
		Failure:     j.Failure,
		Source:      j.Source,
		SubmittedAt: j.SubmittedAt,
		ResolvedAt:  j.ResolvedAt,
	}
}

// Err describes an unsuccessful report as an error. It returns nil for a
// succeeded job.
func (r Report) Err() error {
	switch r.State {
	case StateSucceeded:
		return nil
	case StateFailed:
		if r.Failure != nil {
			return fmt.Errorf("job %s failed: %w", r.RemoteID, r.Failure)
		}
		return fmt.Errorf("job %s failed", r.RemoteID)
	case StateTimedOut:
		return fmt.Errorf("job %s timed out", r.RemoteID)
	case StateLostConnection:
		return fmt.Errorf("lost connection to the server while tracking job %s", r.RemoteID)
	default:
		return fmt.Errorf("job %s is not terminal (%s)", r.RemoteID, r.State)
	}
}
