package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/meshci/internal/ctxlog"
	"github.com/vk/meshci/internal/pipeline"
)

// runJob executes a job's steps in order and returns the first fatal error,
// if any. Advisory failures and on_failure/always gating follow the step's
// declared When and Criticality; deferred cleanups run at the end regardless
// of outcome.
func runJob(ctx context.Context, reg *Registry, spec *pipeline.JobSpec, jc *JobContext) error {
	logger := ctxlog.FromContext(ctx).With("job", spec.Name)
	ctx = ctxlog.WithLogger(ctx, logger)

	defer jc.runCleanups(ctx)

	var firstErr error
	for _, stepSpec := range spec.Steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !shouldRunStep(stepSpec, jc.Failed()) {
			logger.Debug("Step gated off by interim job outcome.", "step", stepSpec.Name, "when", stepSpec.When.String())
			jc.record(StepResult{Step: stepSpec.Name, Skipped: true, CompletedAt: time.Now()})
			continue
		}

		err := runStep(ctx, reg, stepSpec, jc)
		if err == nil {
			continue
		}

		if stepSpec.Criticality == pipeline.Advisory {
			// Recorded by runStep; the job's status is untouched.
			logger.Warn("Advisory step failed; job status unaffected.", "step", stepSpec.Name, "error", err)
			continue
		}

		logger.Error("Step failed.", "step", stepSpec.Name, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("step %q: %w", stepSpec.Name, err)
		}
	}

	return firstErr
}

// shouldRunStep applies the When gate against the job's interim outcome.
func shouldRunStep(s *pipeline.StepSpec, failed bool) bool {
	switch s.When {
	case pipeline.Always:
		return true
	case pipeline.OnFailure:
		return failed
	default:
		return !failed
	}
}

// runStep resolves the handler, decodes arguments, applies the step timeout,
// and records the result.
func runStep(ctx context.Context, reg *Registry, spec *pipeline.StepSpec, jc *JobContext) error {
	logger := ctxlog.FromContext(ctx).With("step", spec.Name)
	logger.Info("Starting step.", "uses", spec.HandlerType())

	handler, ok := reg.Handler(spec.HandlerType())
	if !ok {
		err := fmt.Errorf("unknown step handler %q", spec.HandlerType())
		jc.record(stepFailure(spec, err, 0))
		return err
	}

	var input any
	if handler.NewInput != nil {
		input = handler.NewInput()
		if spec.Arguments != nil {
			if diags := gohcl.DecodeBody(spec.Arguments, evalContext(jc), input); diags.HasErrors() {
				err := fmt.Errorf("decoding arguments: %w", diags)
				jc.record(stepFailure(spec, err, 0))
				return err
			}
		}
	}

	stepCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := handler.Fn(stepCtx, jc, input)
	elapsed := time.Since(start)

	if err != nil {
		jc.record(stepFailure(spec, err, elapsed))
		return err
	}

	jc.record(StepResult{Step: spec.Name, Duration: elapsed, CompletedAt: time.Now()})
	logger.Info("Finished step.", "duration", elapsed)
	return nil
}

func stepFailure(spec *pipeline.StepSpec, err error, elapsed time.Duration) StepResult {
	return StepResult{
		Step:        spec.Name,
		Failed:      spec.Criticality == pipeline.Fatal,
		Advisory:    spec.Criticality == pipeline.Advisory,
		Error:       err.Error(),
		Duration:    elapsed,
		CompletedAt: time.Now(),
	}
}

// evalContext exposes run metadata to step argument expressions, e.g.
// `key = run.id` in a publish step.
func evalContext(jc *JobContext) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"run": cty.ObjectVal(map[string]cty.Value{
				"id":      cty.StringVal(jc.RunID),
				"ref":     cty.StringVal(jc.Event.Ref),
				"message": cty.StringVal(jc.Event.HeadCommitMessage),
				"workdir": cty.StringVal(jc.WorkDir),
			}),
		},
	}
}
