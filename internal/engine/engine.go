package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/specialistvlad/promptgrid/internal/artifacts"
	"github.com/specialistvlad/promptgrid/internal/binder"
	"github.com/specialistvlad/promptgrid/internal/ctxlog"
	"github.com/specialistvlad/promptgrid/internal/inmemoryjobs"
	"github.com/specialistvlad/promptgrid/internal/job"
	"github.com/specialistvlad/promptgrid/internal/remote"
	"github.com/specialistvlad/promptgrid/internal/retry"
	"github.com/specialistvlad/promptgrid/internal/submitter"
	"github.com/specialistvlad/promptgrid/internal/telemetry"
	"github.com/specialistvlad/promptgrid/internal/tracker"
	"github.com/specialistvlad/promptgrid/internal/workflow"
)

// Config holds everything an Engine needs.
type Config struct {
	// Server is the execution server address, host:port or an http(s) URL.
	Server string
	// ClientID is the correlation token for the push channel. A random one
	// is generated when empty.
	ClientID    string
	HTTPTimeout time.Duration
	// JobTimeout is the deadline for jobs submitted without one.
	JobTimeout time.Duration
	Tracking   tracker.Config
	Submit     retry.Policy
	// Grace bounds the wait for a history record that lags completion.
	Grace retry.Policy
	// RecordLag is how long after resolution a missing history record is
	// reported as retryable instead of evicted. Zero uses the default.
	RecordLag time.Duration
	// Rules maps parameter kinds onto node inputs. Nil uses the defaults.
	Rules *binder.Rules
}

// DefaultConfig returns the defaults for a local server.
func DefaultConfig() Config {
	return Config{
		Server:      "127.0.0.1:8188",
		HTTPTimeout: remote.DefaultTimeout,
		JobTimeout:  submitter.DefaultTimeout,
		Tracking:    tracker.DefaultConfig(),
		Submit:      submitter.DefaultPolicy(),
		Grace:       artifacts.DefaultGrace(),
		RecordLag:   artifacts.DefaultRecordLag,
	}
}

// Engine is the entry point for binding, submitting, tracking and
// retrieving workflows.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	client    *remote.Client
	binder    *binder.Binder
	tracker   *tracker.Tracker
	submitter *submitter.Submitter
	retriever *artifacts.Retriever
}

type options struct {
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	clock      clock.Clock
	httpClient *http.Client
	seeds      func() int64
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics shared by all components.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock sets the clock shared by all components.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithHTTPClient replaces the HTTP client used to talk to the server.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithSeedSource replaces the generator of random seeds.
func WithSeedSource(fn func() int64) Option {
	return func(o *options) { o.seeds = fn }
}

// New builds an Engine. It does not contact the server; the push channel is
// opened by the first submission.
func New(cfg Config, opts ...Option) (*Engine, error) {
	o := options{logger: slog.Default(), clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = submitter.DefaultTimeout
	}
	if cfg.RecordLag <= 0 {
		cfg.RecordLag = artifacts.DefaultRecordLag
	}
	if o.httpClient == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = remote.DefaultTimeout
		}
		o.httpClient = remote.NewHTTPClient(timeout)
	}

	client, err := remote.New(cfg.Server, cfg.ClientID, remote.WithHTTPClient(o.httpClient))
	if err != nil {
		return nil, err
	}

	tr, err := tracker.New(client, inmemoryjobs.New(), cfg.Tracking,
		tracker.WithClock(o.clock),
		tracker.WithLogger(o.logger.With("component", "tracker")),
		tracker.WithMetrics(o.metrics),
	)
	if err != nil {
		return nil, err
	}

	sub, err := submitter.New(client, tr,
		submitter.WithPolicy(cfg.Submit),
		submitter.WithClock(o.clock),
		submitter.WithLogger(o.logger.With("component", "submitter")),
		submitter.WithMetrics(o.metrics),
	)
	if err != nil {
		return nil, err
	}

	ret, err := artifacts.New(client,
		artifacts.WithGrace(cfg.Grace),
		artifacts.WithRecordLag(cfg.RecordLag),
		artifacts.WithClock(o.clock),
		artifacts.WithLogger(o.logger.With("component", "artifacts")),
		artifacts.WithMetrics(o.metrics),
	)
	if err != nil {
		return nil, err
	}

	var binderOpts []binder.Option
	if o.seeds != nil {
		binderOpts = append(binderOpts, binder.WithSeedSource(o.seeds))
	}

	o.logger.Debug("Engine configured.", "server", client.BaseURL(), "client_id", cfg.ClientID, "job_timeout", cfg.JobTimeout)
	return &Engine{
		cfg:       cfg,
		logger:    o.logger,
		metrics:   o.metrics,
		client:    client,
		binder:    binder.New(cfg.Rules, binderOpts...),
		tracker:   tr,
		submitter: sub,
		retriever: ret,
	}, nil
}

// ClientID returns the correlation token the engine submits with.
func (e *Engine) ClientID() string {
	return e.cfg.ClientID
}

// BindValues applies directives to a fresh copy of t.
func (e *Engine) BindValues(t *workflow.GraphTemplate, directives []workflow.OverrideDirective) (*workflow.SubmissionGraph, []binder.Change, error) {
	graph, changes, err := e.binder.Bind(t, directives)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range changes {
		e.logger.Debug("Bound value.", "target", c.Target, "kind", string(c.Kind), "input", c.Input, "value", c.NewValue)
	}
	return graph, changes, nil
}

// Submit posts graph and starts tracking the job. A zero timeout uses the
// configured job timeout.
func (e *Engine) Submit(ctx context.Context, graph *workflow.SubmissionGraph, timeout time.Duration) (*job.Job, error) {
	if graph == nil {
		return nil, errors.New("submit: graph must not be nil")
	}
	if timeout <= 0 {
		timeout = e.cfg.JobTimeout
	}
	return e.submitter.Submit(ctx, graph, timeout)
}

// Wait blocks until the job is terminal. If ctx ends first the job is
// abandoned: it keeps running on the server but is no longer tracked.
func (e *Engine) Wait(ctx context.Context, remoteID string) (job.Report, error) {
	report, err := e.tracker.Wait(ctx, remoteID)
	if err != nil && ctx.Err() != nil {
		e.tracker.Abandon(context.Background(), remoteID)
	}
	return report, err
}

// SubmitAndTrack submits graph and blocks until the job reaches a terminal
// state. The returned error is non-nil only when no report could be
// produced; an unsuccessful job is described by the report itself.
func (e *Engine) SubmitAndTrack(ctx context.Context, graph *workflow.SubmissionGraph, timeout time.Duration) (job.Report, error) {
	ctx = ctxlog.WithLogger(ctx, e.logger)
	j, err := e.Submit(ctx, graph, timeout)
	if err != nil {
		return job.Report{}, err
	}
	report, err := e.Wait(ctx, j.RemoteID)
	e.submitter.Forget(j.LocalID)
	if err != nil {
		return job.Report{}, fmt.Errorf("waiting for job %s: %w", j.RemoteID, err)
	}
	ctxlog.FromContext(ctx).Info("Job finished.", "remote_id", report.RemoteID, "state", report.State.String(), "reason", string(report.Reason), "elapsed", report.ResolvedAt.Sub(report.SubmittedAt))
	return report, nil
}

// RetrieveArtifacts downloads the outputs of a succeeded job.
func (e *Engine) RetrieveArtifacts(ctx context.Context, report job.Report) (*artifacts.Set, error) {
	return e.retriever.Retrieve(ctx, report)
}

// Lookup returns the remote id of a job by its local id.
func (e *Engine) Lookup(localID string) (string, bool) {
	return e.submitter.Lookup(localID)
}

// Check asks the server to describe itself, confirming it is reachable.
func (e *Engine) Check(ctx context.Context) (*remote.SystemStats, error) {
	return e.client.SystemStats(ctx)
}

// PushConnected reports whether the push channel is open.
func (e *Engine) PushConnected() bool {
	return e.tracker.PushConnected()
}

// Metrics returns the engine's metrics, or nil.
func (e *Engine) Metrics() *telemetry.Metrics {
	return e.metrics
}

// Close stops tracking and releases connections. Jobs still in flight are
// reported as lost.
func (e *Engine) Close() error {
	err := e.tracker.Close()
	e.client.Close()
	return err
}
