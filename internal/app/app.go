package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/specialistvlad/promptgrid/internal/binder"
	"github.com/specialistvlad/promptgrid/internal/config"
	"github.com/specialistvlad/promptgrid/internal/ctxlog"
	"github.com/specialistvlad/promptgrid/internal/engine"
	"github.com/specialistvlad/promptgrid/internal/retry"
	"github.com/specialistvlad/promptgrid/internal/telemetry"
	"github.com/specialistvlad/promptgrid/internal/tracker"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW       io.Writer
	ctx        context.Context
	logger     *slog.Logger
	config     *Config
	model      *config.Model
	metrics    *telemetry.Metrics
	engine     *engine.Engine
	httpServer *http.Server
}

// NewApp is the constructor for the main application. It loads the
// configuration files, applies the command-line overrides on top and builds
// the engine. Nothing contacts the server yet.
func NewApp(outW io.Writer, appConfig *Config, loader config.Loader, opts ...engine.Option) (*App, error) {
	bootstrap := newLogger(orDefault(appConfig.LogLevel, "info"), orDefault(appConfig.LogFormat, "text"), outW)
	ctx := ctxlog.WithLogger(context.Background(), bootstrap)

	var paths []string
	if appConfig.ConfigPath != "" {
		paths = append(paths, appConfig.ConfigPath)
	}
	model, err := loader.Load(ctx, paths...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	applyOverrides(model, appConfig)
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(model.Log.Level, model.Log.Format, outW)
	ctx = ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	engineCfg, err := engineConfig(model)
	if err != nil {
		return nil, err
	}
	metrics := telemetry.New()
	eng, err := engine.New(engineCfg, append([]engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
	}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	logger.Debug("Engine created.", "server", model.Server.Address, "client_id", eng.ClientID())

	return &App{
		outW:    outW,
		ctx:     ctx,
		logger:  logger,
		config:  appConfig,
		model:   model,
		metrics: metrics,
		engine:  eng,
	}, nil
}

// Model returns the effective configuration. This is primarily for testing.
func (a *App) Model() *config.Model {
	return a.model
}

// Close releases the engine and stops the health check server.
func (a *App) Close() error {
	hcErr := a.closeHealthCheckServer()
	if err := a.engine.Close(); err != nil {
		return err
	}
	return hcErr
}

func applyOverrides(m *config.Model, c *Config) {
	if c.Server != "" {
		m.Server.Address = c.Server
	}
	if c.JobTimeout > 0 {
		m.Tracking.JobTimeout = c.JobTimeout
	}
	if c.LogLevel != "" {
		m.Log.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		m.Log.Format = c.LogFormat
	}
}

// engineConfig translates the configuration model into the engine's
// settings. Configured rules extend the built-in ones; a rule naming a
// built-in pair is accepted only if it agrees with it.
func engineConfig(m *config.Model) (engine.Config, error) {
	rules := binder.DefaultRules()
	for _, r := range m.Rules {
		if existing, ok := rules.Lookup(r.Kind, r.NodeKind); ok {
			if existing != r.Input {
				return engine.Config{}, fmt.Errorf("rule %q %q conflicts with the built-in input %q", r.Kind, r.NodeKind, existing)
			}
			continue
		}
		rules.Register(r.Kind, r.NodeKind, r.Input)
	}

	return engine.Config{
		Server:      m.Server.Address,
		ClientID:    m.Server.ClientID,
		HTTPTimeout: m.Server.Timeout,
		JobTimeout:  m.Tracking.JobTimeout,
		Tracking: tracker.Config{
			PollInterval:    m.Tracking.PollInterval,
			SweepInterval:   m.Tracking.SweepInterval,
			Reconnect:       policy(m.Tracking.Reconnect),
			MaxPullFailures: m.Tracking.MaxPullFailures,
			ReplayLimit:     tracker.DefaultConfig().ReplayLimit,
			ReplayTTL:       tracker.DefaultConfig().ReplayTTL,
		},
		Submit: policy(m.Submit),
		Grace:  policy(m.Artifacts),
		Rules:  rules,
	}, nil
}

func policy(r config.Retry) retry.Policy {
	return retry.Policy{
		MaxAttempts: r.Attempts,
		BaseDelay:   r.BaseDelay,
		Multiplier:  r.Multiplier,
		Ceiling:     r.Ceiling,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
