package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/specialistvlad/promptgrid/internal/app"
	"github.com/specialistvlad/promptgrid/internal/cli"
	"github.com/specialistvlad/promptgrid/internal/config"
)

// main is the entrypoint for the promptgrid application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Args[1:])
	stop()
	if exitErr := cli.Exit(err); exitErr != nil {
		fmt.Fprintln(os.Stderr, exitErr.Message)
		os.Exit(exitErr.Code)
	}
}

// run encapsulates the main application logic for easier testing and error handling.
func run(ctx context.Context, outW io.Writer, args []string) (err error) {
	appConfig, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	promptgridApp, err := app.NewApp(outW, appConfig, config.NewHCLLoader())
	if err != nil {
		return fmt.Errorf("application startup failed: %w", err)
	}
	defer func() {
		if closeErr := promptgridApp.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return promptgridApp.Run(ctx)
}
