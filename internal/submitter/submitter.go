// Package submitter sends instantiated graphs to the execution server and
// hands the resulting jobs to the completion tracker.
package submitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/specialistvlad/promptgrid/internal/job"
	"github.com/specialistvlad/promptgrid/internal/remote"
	"github.com/specialistvlad/promptgrid/internal/retry"
	"github.com/specialistvlad/promptgrid/internal/telemetry"
)

// DefaultTimeout is the job deadline used when Submit is given none.
const DefaultTimeout = 10 * time.Minute

// Remote is the intake endpoint of the execution server.
type Remote interface {
	PostPrompt(ctx context.Context, graph json.Marshaler) (*remote.PromptResponse, error)
}

// Tracker receives the jobs the submitter creates.
type Tracker interface {
	Open(ctx context.Context) error
	Track(ctx context.Context, j *job.Job) error
}

// DefaultPolicy is the submission retry policy.
func DefaultPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		Ceiling:     5 * time.Second,
	}
}

// Submitter posts graphs and registers the resulting jobs.
type Submitter struct {
	remote  Remote
	tracker Tracker
	policy  retry.Policy
	clock   clock.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics
	newID   func() string

	mu  sync.Mutex
	ids map[string]string
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithPolicy sets the retry policy for transport failures and server errors.
func WithPolicy(p retry.Policy) Option {
	return func(s *Submitter) { s.policy = p }
}

// WithClock sets the clock used for submission times and retry delays.
func WithClock(clk clock.Clock) Option {
	return func(s *Submitter) { s.clock = clk }
}

// WithLogger sets the submitter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Submitter) { s.logger = l }
}

// WithMetrics sets the metrics the submitter reports to.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Submitter) { s.metrics = m }
}

// WithIDSource replaces the generator of local job ids.
func WithIDSource(fn func() string) Option {
	return func(s *Submitter) { s.newID = fn }
}

// New creates a Submitter.
func New(r Remote, t Tracker, opts ...Option) (*Submitter, error) {
	s := &Submitter{
		remote:  r,
		tracker: t,
		policy:  DefaultPolicy(),
		clock:   clock.New(),
		logger:  slog.Default(),
		newID:   uuid.NewString,
		ids:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid submission policy: %w", err)
	}
	return s, nil
}

// Submit posts graph and returns the registered job. A timeout of zero uses
// DefaultTimeout.
//
// The tracker is opened before the request so that push notifications for
// the new prompt are already flowing when the server accepts it.
func (s *Submitter) Submit(ctx context.Context, graph json.Marshaler, timeout time.Duration) (*job.Job, error) {
	if graph == nil {
		return nil, errors.New("submit: graph must not be nil")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := s.tracker.Open(ctx); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	var (
		resp     *remote.PromptResponse
		attempts int
	)
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		r, err := s.remote.PostPrompt(ctx, graph)
		if err == nil {
			resp = r
			return nil
		}
		var se *remote.StatusError
		if errors.As(err, &se) && se.ClientSide() {
			return retry.Permanent(&RejectedSubmissionError{
				StatusCode: se.StatusCode,
				Message:    se.Message,
				NodeErrors: se.NodeErrors,
			})
		}
		if remote.Unavailable(err) {
			return err
		}
		return retry.Permanent(err)
	},
		retry.WithClock(s.clock),
		retry.WithNotify(func(err error, attempt int, delay time.Duration) {
			s.logger.Warn("Submission attempt failed, retrying.", "attempt", attempt, "retry_in", delay, "error", err)
		}),
	)
	if err != nil {
		return nil, s.failed(ctx, err, attempts)
	}

	if len(resp.NodeErrors) > 0 && string(resp.NodeErrors) != "{}" {
		s.logger.Warn("Server accepted prompt with node errors.", "remote_id", resp.PromptID, "node_errors", string(resp.NodeErrors))
	}

	j := job.New(s.newID(), resp.PromptID, s.clock.Now(), timeout)
	if err := s.tracker.Track(ctx, j); err != nil {
		s.metrics.Submission("untracked")
		return nil, fmt.Errorf("submit: %w", err)
	}

	s.mu.Lock()
	s.ids[j.LocalID] = j.RemoteID
	s.mu.Unlock()

	s.metrics.Submission("accepted")
	s.logger.Info("Prompt accepted.", "remote_id", j.RemoteID, "local_id", j.LocalID, "queue_number", resp.Number, "deadline", j.Deadline)
	return j, nil
}

// failed classifies a submission error and records it.
func (s *Submitter) failed(ctx context.Context, err error, attempts int) error {
	var rejected *RejectedSubmissionError
	switch {
	case errors.As(err, &rejected):
		s.metrics.Submission("rejected")
		s.logger.Error("Server rejected prompt.", "status", rejected.StatusCode, "error", rejected.Message)
		return rejected
	case ctx.Err() != nil:
		s.metrics.Submission("cancelled")
		return ctx.Err()
	case errors.Is(err, retry.ErrExhausted):
		s.metrics.Submission("unavailable")
		s.logger.Error("Server unavailable, giving up.", "attempts", attempts, "error", err)
		return &ServerUnavailableError{Attempts: attempts, Err: err}
	default:
		s.metrics.Submission("failed")
		return fmt.Errorf("submit: %w", err)
	}
}

// Lookup returns the remote id assigned to a local job id.
func (s *Submitter) Lookup(localID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[localID]
	return id, ok
}

// Len returns the number of local ids in the lookup table.
func (s *Submitter) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Forget drops a local id from the lookup table.
func (s *Submitter) Forget(localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, localID)
}
