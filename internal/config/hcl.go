// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file implements the HCL loader. Durations are written as strings
// ("2s", "10m") and parsed with time.ParseDuration; env("NAME") reads the
// process environment.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/promptgrid/internal/ctxlog"
	"github.com/specialistvlad/promptgrid/internal/fsutil"
	"github.com/specialistvlad/promptgrid/internal/workflow"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// Loader reads configuration from one or more paths.
type Loader interface {
	// Load returns Default with every file found on paths applied in order.
	Load(ctx context.Context, paths ...string) (*Model, error)
}

// HCLLoader loads `.hcl` configuration files.
type HCLLoader struct {
	lookupEnv func(string) (string, bool)
}

// NewHCLLoader creates a loader that resolves env() against the process
// environment.
func NewHCLLoader() *HCLLoader {
	return &HCLLoader{lookupEnv: os.LookupEnv}
}

var _ Loader = (*HCLLoader)(nil)

// fileSchema mirrors one configuration file. Every attribute is optional so
// that a file only overrides what it names.
type fileSchema struct {
	Server    *serverBlock    `hcl:"server,block"`
	Tracking  *trackingBlock  `hcl:"tracking,block"`
	Submit    *submitBlock    `hcl:"submit,block"`
	Artifacts *artifactsBlock `hcl:"artifacts,block"`
	Log       *logBlock       `hcl:"log,block"`
	Rules     []*ruleBlock    `hcl:"rule,block"`
}

type serverBlock struct {
	Address  *string `hcl:"address,optional"`
	ClientID *string `hcl:"client_id,optional"`
	Timeout  *string `hcl:"timeout,optional"`
}

type trackingBlock struct {
	JobTimeout      *string     `hcl:"job_timeout,optional"`
	PollInterval    *string     `hcl:"poll_interval,optional"`
	SweepInterval   *string     `hcl:"sweep_interval,optional"`
	MaxPullFailures *int        `hcl:"max_pull_failures,optional"`
	Reconnect       *retryBlock `hcl:"reconnect,block"`
}

type submitBlock struct {
	Retry *retryBlock `hcl:"retry,block"`
}

type artifactsBlock struct {
	Grace *retryBlock `hcl:"grace,block"`
}

type retryBlock struct {
	Attempts   *int     `hcl:"attempts,optional"`
	BaseDelay  *string  `hcl:"base_delay,optional"`
	Multiplier *float64 `hcl:"multiplier,optional"`
	Ceiling    *string  `hcl:"ceiling,optional"`
}

type logBlock struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

type ruleBlock struct {
	Kind     string `hcl:"kind,label"`
	NodeKind string `hcl:"node_kind,label"`
	Input    string `hcl:"input"`
}

// Load implements Loader.
func (l *HCLLoader) Load(ctx context.Context, paths ...string) (*Model, error) {
	logger := ctxlog.FromContext(ctx)
	model := Default()

	for _, path := range paths {
		files, err := fsutil.FindFilesByExtension(path, ".hcl")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path '%s': %w", path, err)
		}
		if len(files) == 0 {
			logger.Warn("No .hcl files found at the specified path.", "path", path)
		}
		for _, file := range files {
			if err := l.apply(ctx, model, file); err != nil {
				return nil, err
			}
		}
	}

	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Debug("Configuration loaded.", "server", model.Server.Address, "rules", len(model.Rules))
	return model, nil
}

func (l *HCLLoader) apply(ctx context.Context, model *Model, path string) error {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Decoding config file.", "path", path)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL file %s: %s", path, diags.Error())
	}

	var parsed fileSchema
	if diags := gohcl.DecodeBody(file.Body, l.evalContext(), &parsed); diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL file %s: %s", path, diags.Error())
	}
	if err := parsed.applyTo(model); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// evalContext exposes env(name) to configuration expressions. An unset
// variable yields an empty string.
func (l *HCLLoader) evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": function.New(&function.Spec{
				Params: []function.Parameter{{Name: "name", Type: cty.String}},
				Type:   function.StaticReturnType(cty.String),
				Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
					v, _ := l.lookupEnv(args[0].AsString())
					return cty.StringVal(v), nil
				},
			}),
		},
	}
}

func (f *fileSchema) applyTo(m *Model) error {
	if s := f.Server; s != nil {
		setString(&m.Server.Address, s.Address)
		setString(&m.Server.ClientID, s.ClientID)
		if err := setDuration(&m.Server.Timeout, s.Timeout, "server.timeout"); err != nil {
			return err
		}
	}
	if t := f.Tracking; t != nil {
		if err := setDuration(&m.Tracking.JobTimeout, t.JobTimeout, "tracking.job_timeout"); err != nil {
			return err
		}
		if err := setDuration(&m.Tracking.PollInterval, t.PollInterval, "tracking.poll_interval"); err != nil {
			return err
		}
		if err := setDuration(&m.Tracking.SweepInterval, t.SweepInterval, "tracking.sweep_interval"); err != nil {
			return err
		}
		if t.MaxPullFailures != nil {
			m.Tracking.MaxPullFailures = *t.MaxPullFailures
		}
		if err := t.Reconnect.applyTo(&m.Tracking.Reconnect, "tracking.reconnect"); err != nil {
			return err
		}
	}
	if s := f.Submit; s != nil {
		if err := s.Retry.applyTo(&m.Submit, "submit.retry"); err != nil {
			return err
		}
	}
	if a := f.Artifacts; a != nil {
		if err := a.Grace.applyTo(&m.Artifacts, "artifacts.grace"); err != nil {
			return err
		}
	}
	if lg := f.Log; lg != nil {
		setString(&m.Log.Level, lg.Level)
		setString(&m.Log.Format, lg.Format)
	}
	for _, r := range f.Rules {
		kind, err := workflow.ParseParameterKind(r.Kind)
		if err != nil {
			return fmt.Errorf("rule %q %q: %w", r.Kind, r.NodeKind, err)
		}
		if r.Input == "" {
			return fmt.Errorf("rule %q %q: input must not be empty", r.Kind, r.NodeKind)
		}
		m.Rules = append(m.Rules, Rule{Kind: kind, NodeKind: r.NodeKind, Input: r.Input})
	}
	return nil
}

func (b *retryBlock) applyTo(r *Retry, name string) error {
	if b == nil {
		return nil
	}
	if b.Attempts != nil {
		r.Attempts = *b.Attempts
	}
	if b.Multiplier != nil {
		r.Multiplier = *b.Multiplier
	}
	if err := setDuration(&r.BaseDelay, b.BaseDelay, name+".base_delay"); err != nil {
		return err
	}
	return setDuration(&r.Ceiling, b.Ceiling, name+".ceiling")
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, name string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}
