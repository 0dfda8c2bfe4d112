package app

import (
	"errors"
	"time"
)

// Config holds all the necessary configuration for an App instance to run.
// Zero values leave the corresponding setting of the configuration files in
// effect.
type Config struct {
	ConfigPath   string // hcl file or directory
	WorkflowPath string // API-format workflow JSON
	ValuesPath   string // override directives (.json, .hcl, .yaml)
	OutDir       string // where artifacts are written; empty skips writing

	Server     string
	JobTimeout time.Duration

	LogFormat       string
	LogLevel        string
	HealthcheckPort int

	// DryRun binds values and prints the resulting graph without
	// submitting it.
	DryRun bool
	// Check only verifies that the server is reachable.
	Check bool
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.WorkflowPath == "" && !cfg.Check {
		return nil, errors.New("WorkflowPath is a required configuration field and cannot be empty")
	}
	if cfg.JobTimeout < 0 {
		return nil, errors.New("JobTimeout must not be negative")
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, errors.New("HealthcheckPort must be between 0 and 65535")
	}
	return &cfg, nil
}
