package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/specialistvlad/promptgrid/internal/ctxlog"
	"github.com/specialistvlad/promptgrid/internal/job"
	"github.com/specialistvlad/promptgrid/internal/workflow"
)

// Run executes the main application logic based on the provided configuration.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	a.healthCheckServer()

	if a.config.Check {
		return a.check(ctx)
	}

	template, err := workflow.LoadTemplate(a.config.WorkflowPath)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}
	a.logger.Debug("Workflow loaded.", "path", a.config.WorkflowPath, "node_count", template.Len())

	var directives []workflow.OverrideDirective
	if a.config.ValuesPath != "" {
		directives, err = workflow.LoadDirectives(a.config.ValuesPath)
		if err != nil {
			return fmt.Errorf("failed to load values: %w", err)
		}
	}

	graph, changes, err := a.engine.BindValues(template, directives)
	if err != nil {
		return fmt.Errorf("failed to bind values: %w", err)
	}
	for _, c := range changes {
		a.logger.Info("Value bound.", "node", c.Target, "input", c.Input, "value", c.NewValue)
	}

	if a.config.DryRun {
		out, err := json.MarshalIndent(graph, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode graph: %w", err)
		}
		fmt.Fprintln(a.outW, string(out))
		a.logger.Info("Dry run finished, nothing was submitted.")
		return nil
	}

	a.logger.Info("🚀 Submitting workflow...", "server", a.model.Server.Address)
	report, err := a.engine.SubmitAndTrack(ctx, graph, 0)
	if err != nil {
		return err
	}
	if report.State != job.StateSucceeded {
		if report.Failure != nil && len(report.Failure.Traceback) > 0 {
			a.logger.Debug("Server traceback.", "traceback", report.Failure.Traceback)
		}
		return &JobError{Report: report}
	}

	set, err := a.engine.RetrieveArtifacts(ctx, report)
	if err != nil {
		return fmt.Errorf("failed to retrieve artifacts: %w", err)
	}
	for _, node := range sortedKeys(set.Texts) {
		for _, text := range set.Texts[node] {
			fmt.Fprintf(a.outW, "%s: %s\n", node, text)
		}
	}
	if a.config.OutDir == "" {
		a.logger.Info("🏁 Workflow finished.", "artifacts", set.Len())
		return nil
	}
	paths, err := set.Save(a.config.OutDir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(a.outW, p)
	}
	a.logger.Info("🏁 Workflow finished.", "artifacts", len(paths), "dir", a.config.OutDir)

	a.logger.Debug("App.Run method finished.")
	return nil
}

func (a *App) check(ctx context.Context) error {
	stats, err := a.engine.Check(ctx)
	if err != nil {
		return fmt.Errorf("server check failed: %w", err)
	}
	fmt.Fprintf(a.outW, "server %s is reachable (ComfyUI %s, %s)\n", a.model.Server.Address, orDefault(stats.System.ComfyUIVersion, "unknown version"), orDefault(stats.System.OS, "unknown os"))
	for _, d := range stats.Devices {
		fmt.Fprintf(a.outW, "  device %d: %s (%s) %d/%d MiB free\n", d.Index, d.Name, d.Type, d.VRAMFree>>20, d.VRAMTotal>>20)
	}
	return nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
