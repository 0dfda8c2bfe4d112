// Package tracker implements the completion tracker: it follows every
// submitted job to exactly one terminal state by combining the server's push
// channel with a periodic queue poll and a deadline sweep.
//
// The tracker is a single service object with an explicit lifecycle. Open
// starts the background activities and the push channel on first use; Close
// stops them. All job state lives in a jobstore.Store, whose Resolve is the
// only way a job becomes terminal, so whichever signal arrives first wins and
// later ones are ignored.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/specialistvlad/promptgrid/internal/ctxlog"
	"github.com/specialistvlad/promptgrid/internal/job"
	"github.com/specialistvlad/promptgrid/internal/jobstore"
	"github.com/specialistvlad/promptgrid/internal/remote"
	"github.com/specialistvlad/promptgrid/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by operations on a closed tracker.
var ErrClosed = errors.New("tracker is closed")

// Remote is the part of the execution server the tracker needs.
type Remote interface {
	Queue(ctx context.Context) (remote.QueueSnapshot, error)
	History(ctx context.Context, promptID string) (*remote.HistoryRecord, bool, error)
	DialPush(ctx context.Context) (remote.PushStream, error)
}

type pushState int

const (
	pushDown pushState = iota
	pushDialing
	pushUp
	pushReconnecting
)

// Tracker follows submitted jobs to their terminal state.
type Tracker struct {
	remote  Remote
	store   jobstore.Store
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu        sync.Mutex
	opened    bool
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	state     pushState
	conn      remote.PushStream
	pullFails int

	// replayMu orders registration against frames for unknown prompts.
	replayMu sync.Mutex
	replay   []bufferedEvent
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the clock used for deadlines and intervals.
func WithClock(clk clock.Clock) Option {
	return func(t *Tracker) { t.clock = clk }
}

// WithLogger sets the tracker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMetrics sets the metrics the tracker reports to.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New creates a tracker. Nothing runs until Open.
func New(r Remote, store jobstore.Store, cfg Config, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracker config: %w", err)
	}
	t := &Tracker{
		remote: r,
		store:  store,
		cfg:    cfg,
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Open starts the background activities on first call and makes sure the
// push channel is connected or being reconnected. It is called before every
// submission; a failed dial is not an error because the poll covers for the
// push channel.
func (t *Tracker) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.opened {
		t.start()
	}
	dial := t.state == pushDown
	if dial {
		t.state = pushDialing
	}
	t.mu.Unlock()

	if dial {
		t.connect(ctx)
	}
	return nil
}

// start launches the poll and sweep loops. Callers hold t.mu.
func (t *Tracker) start() {
	base := ctxlog.WithLogger(context.Background(), t.logger)
	ctx, cancel := context.WithCancel(base)
	g, gctx := errgroup.WithContext(ctx)
	t.ctx, t.cancel, t.group = gctx, cancel, g
	t.opened = true

	g.Go(func() error { return t.pollLoop(gctx) })
	g.Go(func() error { return t.sweepLoop(gctx) })
	t.logger.Debug("Tracker started.", "poll_interval", t.cfg.PollInterval, "sweep_interval", t.cfg.SweepInterval)
}

// Track registers a submitted job and replays any push frames that arrived
// for it before registration.
func (t *Tracker) Track(ctx context.Context, j *job.Job) error {
	t.mu.Lock()
	closed := t.closed
	j.PushDegraded = t.state != pushUp
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	t.replayMu.Lock()
	defer t.replayMu.Unlock()
	if err := t.store.Add(ctx, j); err != nil {
		return fmt.Errorf("failed to track job %s: %w", j.RemoteID, err)
	}
	t.metrics.SetInFlight(len(t.store.InFlight(ctx)))
	t.logger.Debug("Tracking job.", "remote_id", j.RemoteID, "local_id", j.LocalID, "deadline", j.Deadline)

	for _, ev := range t.takeReplay(j.RemoteID) {
		t.logger.Debug("Replaying push frame.", "remote_id", j.RemoteID, "type", ev.Type)
		t.apply(ctx, ev)
	}
	return nil
}

// Wait blocks until the job is terminal, then stops tracking it and returns
// its report. If ctx ends first the job stays tracked.
func (t *Tracker) Wait(ctx context.Context, remoteID string) (job.Report, error) {
	done, err := t.store.Done(ctx, remoteID)
	if err != nil {
		return job.Report{}, fmt.Errorf("job %s: %w", remoteID, err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return job.Report{}, ctx.Err()
	}

	j, ok := t.store.Get(ctx, remoteID)
	if !ok {
		return job.Report{}, fmt.Errorf("job %s: %w", remoteID, jobstore.ErrNotFound)
	}
	t.store.Remove(ctx, remoteID)
	return j.Report(), nil
}

// Abandon stops tracking a job. The job keeps running on the server; later
// signals for it are ignored.
func (t *Tracker) Abandon(ctx context.Context, remoteID string) bool {
	removed := t.store.Remove(ctx, remoteID)
	if removed {
		t.logger.Info("Job abandoned.", "remote_id", remoteID)
		t.metrics.SetInFlight(len(t.store.InFlight(ctx)))
	}
	return removed
}

// Job returns a snapshot of a tracked job.
func (t *Tracker) Job(ctx context.Context, remoteID string) (job.Job, bool) {
	return t.store.Get(ctx, remoteID)
}

// InFlight returns snapshots of all non-terminal jobs.
func (t *Tracker) InFlight(ctx context.Context) []job.Job {
	return t.store.InFlight(ctx)
}

// PushConnected reports whether the push channel is currently open.
func (t *Tracker) PushConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == pushUp
}

// Close stops the background activities and closes the push channel. Jobs
// still in flight resolve to LostConnection so no waiter hangs.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	opened := t.opened
	conn := t.conn
	t.conn = nil
	t.state = pushDown
	t.mu.Unlock()

	if !opened {
		return nil
	}
	t.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	err := t.group.Wait()

	ctx := context.Background()
	for _, j := range t.store.InFlight(ctx) {
		t.resolve(ctx, j.RemoteID, job.StateLostConnection, job.SourceMonitor, nil)
	}
	t.metrics.SetPushConnected(false)
	t.logger.Debug("Tracker closed.")
	return err
}

// resolve applies a terminal verdict and reports whether it won.
func (t *Tracker) resolve(ctx context.Context, remoteID string, state job.State, source job.Source, failure *remote.ExecutionError) bool {
	won := t.store.Resolve(ctx, remoteID, jobstore.Resolution{
		State:   state,
		Source:  source,
		Failure: failure,
		At:      t.clock.Now(),
	})
	if !won {
		return false
	}
	attrs := []any{"remote_id", remoteID, "state", state.String(), "source", string(source)}
	switch state {
	case job.StateSucceeded:
		t.logger.Info("Job succeeded.", attrs...)
	case job.StateFailed:
		if failure != nil {
			attrs = append(attrs, "error", failure.Error())
		}
		t.logger.Warn("Job failed.", attrs...)
	default:
		t.logger.Warn("Lost track of job.", attrs...)
	}
	t.metrics.Resolution(state.String(), string(source))
	t.metrics.SetInFlight(len(t.store.InFlight(ctx)))
	return true
}
