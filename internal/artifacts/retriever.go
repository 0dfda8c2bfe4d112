// Package artifacts downloads the outputs of succeeded jobs.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/specialistvlad/promptgrid/internal/job"
	"github.com/specialistvlad/promptgrid/internal/remote"
	"github.com/specialistvlad/promptgrid/internal/retry"
	"github.com/specialistvlad/promptgrid/internal/telemetry"
)

// MediaKinds are the output keys holding file descriptors, in the order they
// are collected for each node.
var MediaKinds = []string{"images", "gifs", "video", "audio"}

// Remote is the part of the execution server the retriever reads.
type Remote interface {
	History(ctx context.Context, promptID string) (*remote.HistoryRecord, bool, error)
	View(ctx context.Context, ref remote.FileRef) ([]byte, error)
}

// DefaultGrace bounds how long a missing history record is waited for. The
// record can lag the completion signal slightly.
func DefaultGrace() retry.Policy {
	return retry.Policy{
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		Multiplier:  2,
		Ceiling:     2 * time.Second,
	}
}

// DefaultRecordLag is how long after resolution a missing history record
// is taken to be not written yet rather than evicted.
const DefaultRecordLag = 2 * time.Minute

var errNoRecord = errors.New("history record not found")

// Retriever fetches output files of succeeded jobs.
type Retriever struct {
	remote  Remote
	grace   retry.Policy
	lag     time.Duration
	clock   clock.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithGrace sets the policy used to wait for a missing history record.
func WithGrace(p retry.Policy) Option {
	return func(r *Retriever) { r.grace = p }
}

// WithRecordLag sets how long after a job resolved a missing history record
// is reported as retryable.
func WithRecordLag(d time.Duration) Option {
	return func(r *Retriever) { r.lag = d }
}

// WithClock sets the clock the grace period runs on.
func WithClock(clk clock.Clock) Option {
	return func(r *Retriever) { r.clock = clk }
}

// WithLogger sets the retriever's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) { r.logger = l }
}

// WithMetrics sets the metrics the retriever reports to.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Retriever) { r.metrics = m }
}

// New creates a Retriever.
func New(r Remote, opts ...Option) (*Retriever, error) {
	rt := &Retriever{
		remote: r,
		grace:  DefaultGrace(),
		lag:    DefaultRecordLag,
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if err := rt.grace.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grace policy: %w", err)
	}
	if rt.lag < 0 {
		return nil, fmt.Errorf("record lag must not be negative, got %s", rt.lag)
	}
	return rt, nil
}

// Retrieve downloads every file output of a succeeded job, node by node in
// the order the server lists them.
func (r *Retriever) Retrieve(ctx context.Context, report job.Report) (*Set, error) {
	if report.State != job.StateSucceeded {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotSucceeded, report.RemoteID, report.State)
	}
	id := report.RemoteID

	rec, err := r.record(ctx, report)
	if err != nil {
		return nil, err
	}
	if len(rec.Outputs) == 0 {
		return nil, &ArtifactsUnavailableError{PromptID: id, Reason: "history record has no outputs"}
	}

	set := &Set{
		PromptID: id,
		Outputs:  make(map[string][]Artifact),
		Texts:    make(map[string][]string),
	}
	for _, node := range rec.OutputOrder {
		out := rec.Outputs[node]
		if texts := out.Texts(); len(texts) > 0 {
			set.Texts[node] = texts
		}
		for _, kind := range MediaKinds {
			for _, ref := range out.Files(kind) {
				data, err := r.remote.View(ctx, ref)
				if err != nil {
					r.metrics.Artifact("failed")
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					return nil, &ArtifactsUnavailableError{PromptID: id, Reason: "download of " + ref.Filename + " failed", Err: err}
				}
				r.metrics.Artifact("ok")
				set.add(node, Artifact{Node: node, Kind: kind, Ref: ref, Data: data})
			}
		}
	}

	r.logger.Info("Retrieved artifacts.", "remote_id", id, "files", set.Len(), "nodes", len(set.Order))
	return set, nil
}

// record reads the history record of the job, waiting out the grace period
// while the server has none. A record still missing shortly after the job
// resolved is reported as retryable; later it counts as evicted.
func (r *Retriever) record(ctx context.Context, report job.Report) (*remote.HistoryRecord, error) {
	id := report.RemoteID
	var rec *remote.HistoryRecord
	err := r.grace.Do(ctx, func(ctx context.Context) error {
		got, ok, err := r.remote.History(ctx, id)
		switch {
		case err != nil && remote.Unavailable(err):
			return err
		case err != nil:
			return retry.Permanent(err)
		case !ok:
			return errNoRecord
		}
		rec = got
		return nil
	},
		retry.WithClock(r.clock),
		retry.WithNotify(func(err error, attempt int, delay time.Duration) {
			r.logger.Debug("History record not readable yet.", "remote_id", id, "attempt", attempt, "retry_in", delay, "error", err)
		}),
	)
	switch {
	case err == nil:
		return rec, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, errNoRecord) && r.recentlyResolved(report):
		return nil, &ArtifactsUnavailableError{PromptID: id, Reason: "history record not written yet", Err: errNoRecord}
	case errors.Is(err, errNoRecord):
		return nil, &HistoryNotFoundError{PromptID: id}
	default:
		return nil, &ArtifactsUnavailableError{PromptID: id, Reason: "history unreadable", Err: err}
	}
}

func (r *Retriever) recentlyResolved(report job.Report) bool {
	if report.ResolvedAt.IsZero() {
		return false
	}
	return r.clock.Now().Sub(report.ResolvedAt) < r.lag
}
