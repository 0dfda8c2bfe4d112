// Package inmemoryjobs provides an ephemeral, thread-safe, in-memory
// implementation of the jobstore.Store interface.
//
// # Concurrency Model
//
// A single sync.Mutex guards the whole table, and Resolve's compare-and-set
// runs entirely under it. The table is sized for the handful of jobs one
// interactive user keeps in flight.
package inmemoryjobs

import (
	"context"
	"sort"
	"sync"

	"github.com/specialistvlad/promptgrid/internal/job"
	"github.com/specialistvlad/promptgrid/internal/jobstore"
)

type entry struct {
	job  job.Job
	done chan struct{}
}

// Store is an in-memory implementation of jobstore.Store.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*entry
}

// New creates a new, empty in-memory job store.
func New() *Store {
	return &Store{jobs: make(map[string]*entry)}
}

var _ jobstore.Store = (*Store)(nil)

// Add implements jobstore.Store.
func (s *Store) Add(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.RemoteID]; exists {
		return jobstore.ErrDuplicate
	}
	e := &entry{job: *j, done: make(chan struct{})}
	if e.job.State.Terminal() {
		close(e.done)
	}
	s.jobs[j.RemoteID] = e
	return nil
}

// Get implements jobstore.Store.
func (s *Store) Get(_ context.Context, remoteID string) (job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[remoteID]
	if !ok {
		return job.Job{}, false
	}
	return e.job, true
}

// Observe implements jobstore.Store.
func (s *Store) Observe(_ context.Context, remoteID string, state job.State) bool {
	if state.Terminal() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[remoteID]
	if !ok || e.job.State.Terminal() {
		return false
	}
	if state == job.StateQueued || state == job.StateRunning {
		e.job.Observed = true
	}
	if e.job.State == state || !job.CanTransition(e.job.State, state) {
		return false
	}
	e.job.State = state
	return true
}

// Resolve implements jobstore.Store.
func (s *Store) Resolve(_ context.Context, remoteID string, r jobstore.Resolution) bool {
	if !r.State.Terminal() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[remoteID]
	if !ok || !job.CanTransition(e.job.State, r.State) {
		return false
	}
	e.job.State = r.State
	e.job.Source = r.Source
	e.job.Failure = r.Failure
	e.job.ResolvedAt = r.At
	close(e.done)
	return true
}

// SetPushDegraded implements jobstore.Store.
func (s *Store) SetPushDegraded(_ context.Context, degraded bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.jobs {
		if e.job.State.Terminal() || e.job.PushDegraded == degraded {
			continue
		}
		e.job.PushDegraded = degraded
		n++
	}
	return n
}

// InFlight implements jobstore.Store. Jobs are ordered by submission time.
func (s *Store) InFlight(_ context.Context) []job.Job {
	s.mu.Lock()
	out := make([]job.Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		if !e.job.State.Terminal() {
			out = append(out, e.job)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].SubmittedAt.Equal(out[k].SubmittedAt) {
			return out[i].RemoteID < out[k].RemoteID
		}
		return out[i].SubmittedAt.Before(out[k].SubmittedAt)
	})
	return out
}

// Done implements jobstore.Store.
func (s *Store) Done(_ context.Context, remoteID string) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[remoteID]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	return e.done, nil
}

// Remove implements jobstore.Store.
func (s *Store) Remove(_ context.Context, remoteID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[remoteID]
	delete(s.jobs, remoteID)
	return ok
}

// Len implements jobstore.Store.
func (s *Store) Len(_ context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
