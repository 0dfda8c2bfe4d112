// Package jobstore defines the interface for the table of in-flight jobs
// shared by the completion tracker's background activities.
//
// # Why Job Store Exists
//
// Three activities touch job state concurrently: the push channel reader,
// the pull cycle and the deadline sweeper. Each of them may decide that a job
// is finished, and they routinely disagree about when. The job store is the
// single place where those decisions are reconciled:
//
//   - **Resolve-once:** Resolve is an atomic compare-and-set. The first
//     terminal signal for a job wins and every later one is a no-op.
//   - **Ownership:** No component mutates a job.Job directly. Callers get
//     copies, and all changes go through the store.
//   - **Waiting:** Done exposes a channel per job that is closed exactly once,
//     when the job becomes terminal, so a caller can block on one job without
//     blocking the activities serving the others.
//
// # Lifecycle and Usage
//
// A job is:
//  1. **Added** by the tracker when the submitter registers it
//  2. **Observed** by the push reader and pull cycle (Queued, Running)
//  3. **Resolved** exactly once to a terminal state by whichever signal wins
//  4. **Removed** once the caller consumed the terminal report, or abandoned
//
// Signals for a job that was removed are ignored.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/specialistvlad/promptgrid/internal/job"
	"github.com/specialistvlad/promptgrid/internal/remote"
)

var (
	// ErrDuplicate is returned when a job with the same remote id is already
	// tracked.
	ErrDuplicate = errors.New("job is already tracked")
	// ErrNotFound is returned for a remote id the store does not hold.
	ErrNotFound = errors.New("job is not tracked")
)

// Resolution is a terminal verdict for one job.
type Resolution struct {
	State   job.State
	Source  job.Source
	Failure *remote.ExecutionError
	At      time.Time
}

// Store is the interface for the in-flight job table.
//
// # Thread-Safety Requirements
//
// Implementations MUST be safe for concurrent use. Every read or mutation of
// a job happens under the store's lock, so a job's state is never observed
// half-updated.
//
// # Typical Implementation
//
// See internal/inmemoryjobs for the reference implementation guarded by a
// single table-wide mutex, which is sufficient for the handful of jobs one
// interactive user keeps in flight.
type Store interface {
	// Add starts tracking j. It fails with ErrDuplicate if a job with the
	// same remote id is already tracked.
	Add(ctx context.Context, j *job.Job) error

	// Get returns a copy of the job with the given remote id.
	Get(ctx context.Context, remoteID string) (job.Job, bool)

	// Observe records a non-terminal state reported by a signal source.
	// Queued and Running also mark the job as observed on the server.
	//
	// It reports whether the job's state changed. Observations for unknown
	// or terminal jobs, and transitions the state machine forbids, are
	// ignored.
	Observe(ctx context.Context, remoteID string, state job.State) bool

	// Resolve moves a job to a terminal state if, and only if, it is still
	// in flight. It reports whether this call resolved the job. A false
	// return means another signal got there first or the job is no longer
	// tracked; neither is an error.
	//
	// Thread-safety: concurrent Resolve calls for the same job are
	// serialised; exactly one of them returns true.
	Resolve(ctx context.Context, remoteID string, r Resolution) bool

	// SetPushDegraded flags or unflags every in-flight job as running
	// without the push channel. It returns how many jobs were updated.
	SetPushDegraded(ctx context.Context, degraded bool) int

	// InFlight returns copies of every non-terminal job.
	InFlight(ctx context.Context) []job.Job

	// Done returns a channel closed when the job becomes terminal.
	Done(ctx context.Context, remoteID string) (<-chan struct{}, error)

	// Remove stops tracking a job, terminal or not. It reports whether the
	// job was tracked.
	Remove(ctx context.Context, remoteID string) bool

	// Len returns the number of tracked jobs, terminal ones included.
	Len(ctx context.Context) int
}
