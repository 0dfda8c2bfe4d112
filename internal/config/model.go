// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines Model, the settings every other package is configured
// from, together with its defaults and validation.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/specialistvlad/promptgrid/internal/workflow"
)

// Model is the complete, format-agnostic application configuration.
type Model struct {
	Server    Server
	Tracking  Tracking
	Submit    Retry
	Artifacts Retry
	Log       Log
	// Rules extend the built-in parameter binding rules.
	Rules []Rule
}

// Server locates the execution server.
type Server struct {
	Address string
	// ClientID is the correlation token; empty means generate one.
	ClientID string
	Timeout  time.Duration
}

// Tracking tunes completion tracking.
type Tracking struct {
	JobTimeout      time.Duration
	PollInterval    time.Duration
	SweepInterval   time.Duration
	MaxPullFailures int
	Reconnect       Retry
}

// Retry is a bounded exponential backoff.
type Retry struct {
	Attempts   int
	BaseDelay  time.Duration
	Multiplier float64
	Ceiling    time.Duration
}

// Log selects the logger's level and output format.
type Log struct {
	Level  string
	Format string
}

// Rule maps a parameter kind on a node kind to an input slot.
type Rule struct {
	Kind     workflow.ParameterKind
	NodeKind string
	Input    string
}

// Default returns the built-in configuration.
func Default() *Model {
	return &Model{
		Server: Server{
			Address: "127.0.0.1:8188",
			Timeout: 30 * time.Second,
		},
		Tracking: Tracking{
			JobTimeout:      10 * time.Minute,
			PollInterval:    2 * time.Second,
			SweepInterval:   time.Second,
			MaxPullFailures: 5,
			Reconnect: Retry{
				Attempts:   5,
				BaseDelay:  500 * time.Millisecond,
				Multiplier: 2,
				Ceiling:    30 * time.Second,
			},
		},
		Submit: Retry{
			Attempts:   3,
			BaseDelay:  500 * time.Millisecond,
			Multiplier: 2,
			Ceiling:    5 * time.Second,
		},
		Artifacts: Retry{
			Attempts:   4,
			BaseDelay:  250 * time.Millisecond,
			Multiplier: 2,
			Ceiling:    2 * time.Second,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate reports every configuration mistake at once.
func (m *Model) Validate() error {
	var errs []error
	if m.Server.Address == "" {
		errs = append(errs, errors.New("server.address must not be empty"))
	}
	if m.Server.Timeout <= 0 {
		errs = append(errs, errors.New("server.timeout must be positive"))
	}
	if m.Tracking.JobTimeout <= 0 {
		errs = append(errs, errors.New("tracking.job_timeout must be positive"))
	}
	if m.Tracking.PollInterval <= 0 {
		errs = append(errs, errors.New("tracking.poll_interval must be positive"))
	}
	if m.Tracking.SweepInterval <= 0 {
		errs = append(errs, errors.New("tracking.sweep_interval must be positive"))
	}
	if m.Tracking.MaxPullFailures < 1 {
		errs = append(errs, errors.New("tracking.max_pull_failures must be at least 1"))
	}
	errs = append(errs,
		m.Tracking.Reconnect.validate("tracking.reconnect"),
		m.Submit.validate("submit.retry"),
		m.Artifacts.validate("artifacts.grace"),
	)
	switch m.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be one of debug, info, warn, error", m.Log.Level))
	}
	if m.Log.Format != "text" && m.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", m.Log.Format))
	}
	seen := make(map[string]bool)
	for _, r := range m.Rules {
		key := string(r.Kind) + "/" + r.NodeKind
		if seen[key] {
			errs = append(errs, fmt.Errorf("rule %q %q is declared more than once", r.Kind, r.NodeKind))
		}
		seen[key] = true
	}
	return errors.Join(errs...)
}

func (r Retry) validate(block string) error {
	switch {
	case r.Attempts < 1:
		return fmt.Errorf("%s.attempts must be at least 1", block)
	case r.BaseDelay <= 0:
		return fmt.Errorf("%s.base_delay must be positive", block)
	case r.Multiplier < 1:
		return fmt.Errorf("%s.multiplier must be at least 1", block)
	case r.Ceiling < r.BaseDelay:
		return fmt.Errorf("%s.ceiling must not be below base_delay", block)
	}
	return nil
}
