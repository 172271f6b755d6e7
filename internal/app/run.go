package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/meshci/internal/ctxlog"
	"github.com/vk/meshci/internal/pipeline"
	"github.com/vk/meshci/internal/scheduler"
	"github.com/vk/meshci/internal/server"
)

// ErrGateNotGreen is returned by one-shot runs whose gate did not succeed.
// The CLI maps it to a non-zero exit so merge bots can consume the process
// status directly.
var ErrGateNotGreen = errors.New("gate did not succeed")

// Run executes the application in the configured mode: an HTTP server fed by
// webhooks, or a single event submitted directly.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.ListenAddr != "" {
		return server.New(a.manager).Serve(ctx, a.config.ListenAddr)
	}
	return a.runOnce(ctx)
}

func (a *App) runOnce(ctx context.Context) error {
	ev := &pipeline.Event{
		Kind:              pipeline.EventKind(a.config.EventKind),
		Ref:               a.config.Ref,
		HeadCommitMessage: a.config.Message,
		Owner:             a.config.Owner,
		PRNumber:          a.config.PRNumber,
	}
	if ev.Kind == "" {
		ev.Kind = pipeline.EventPush
	}

	run, err := a.manager.Submit(ctx, ev)
	if errors.Is(err, scheduler.ErrFiltered) {
		a.logger.Info("Event does not match the workflow trigger; nothing to do.", "ref", ev.Ref)
		return nil
	}
	if err != nil {
		return fmt.Errorf("submitting event: %w", err)
	}

	a.logger.Info("Run started.", "run", run.ID, "workflow", a.workflow.Name, "ref", ev.Ref)
	if err := run.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for run: %w", err)
	}

	for job, st := range run.Statuses() {
		a.logger.Info("Job finished.", "job", job, "status", st.String())
	}

	gate := run.GateStatus()
	a.logger.Info("Run finished.", "run", run.ID, "gate", gate.String())
	if gate != scheduler.StatusSucceeded {
		return fmt.Errorf("run %s: %w (gate %s)", run.ID, ErrGateNotGreen, gate)
	}
	return nil
}
