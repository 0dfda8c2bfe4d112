package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/specialistvlad/promptgrid/internal/app"
	"github.com/specialistvlad/promptgrid/internal/submitter"
)

// Process exit codes.
const (
	ExitFailure   = 1 // setup, rejection, unreachable server
	ExitUsage     = 2
	ExitJobFailed = 3
	ExitLostTrack = 4 // timed out or lost connection; the job may still run
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("promptgrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
promptgrid - Submit ComfyUI workflows and collect their results.

Usage:
  promptgrid [options] [WORKFLOW_PATH]
  promptgrid -check [options]

Arguments:
  WORKFLOW_PATH
    Path to an API-format workflow JSON file.

Exit codes:
  0 success, 1 error, 2 usage, 3 job failed, 4 job outcome unknown (timed out or connection lost)

Options:
`)
		flagSet.PrintDefaults()
	}

	workflowFlag := flagSet.String("workflow", "", "Path to the API-format workflow JSON file.")
	wFlag := flagSet.String("w", "", "Path to the workflow file (shorthand).")
	configFlag := flagSet.String("config", "", "Path to an .hcl config file or a directory of them.")
	valuesFlag := flagSet.String("values", "", "Path to a values file of override directives (.json, .hcl, .yaml).")
	outFlag := flagSet.String("out", "", "Directory to write artifacts to. Empty skips writing.")
	serverFlag := flagSet.String("server", "", "Execution server address, host:port or URL. Overrides the config file.")
	timeoutFlag := flagSet.Duration("timeout", 0, "Job deadline, e.g. 10m. Overrides the config file.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "", "Log output format. Options: 'text' or 'json'. Defaults to the config file.")
	logLevelFlag := flagSet.String("log-level", "", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'. Defaults to the config file.")
	dryRunFlag := flagSet.Bool("dry-run", false, "Bind values and print the graph without submitting it.")
	checkFlag := flagSet.Bool("check", false, "Only check that the server is reachable.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *workflowFlag != "" {
		path = *workflowFlag
	} else if *wFlag != "" {
		path = *wFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Workflow path determined.", "path", path)

	if path == "" && !*checkFlag {
		slog.Debug("No workflow path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	switch logFormat {
	case "", "text", "json":
	default:
		return nil, false, &ExitError{Code: ExitUsage, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return nil, false, &ExitError{Code: ExitUsage, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	if *timeoutFlag < 0 {
		return nil, false, &ExitError{Code: ExitUsage, Message: "invalid timeout: must not be negative"}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		ConfigPath:      *configFlag,
		WorkflowPath:    path,
		ValuesPath:      *valuesFlag,
		OutDir:          *outFlag,
		Server:          *serverFlag,
		JobTimeout:      *timeoutFlag,
		HealthcheckPort: *healthPortFlag,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		DryRun:          *dryRunFlag,
		Check:           *checkFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: ExitUsage, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}

// Exit translates an error returned by the application into an ExitError.
// A nil error stays nil and an ExitError is returned unchanged.
func Exit(err error) *ExitError {
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}

	var jobErr *app.JobError
	var rejected *submitter.RejectedSubmissionError
	switch {
	case errors.As(err, &jobErr) && jobErr.LostTrack():
		return &ExitError{Code: ExitLostTrack, Message: err.Error()}
	case errors.As(err, &jobErr):
		return &ExitError{Code: ExitJobFailed, Message: err.Error()}
	case errors.As(err, &rejected):
		return &ExitError{Code: ExitFailure, Message: "workflow rejected: " + err.Error()}
	case errors.Is(err, context.Canceled):
		return &ExitError{Code: ExitFailure, Message: "interrupted: " + err.Error()}
	default:
		return &ExitError{Code: ExitFailure, Message: err.Error()}
	}
}

