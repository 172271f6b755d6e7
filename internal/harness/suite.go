// Package harness provides the step handlers that exercise a running
// testnet: end-to-end suites and churn.
package harness

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/vk/meshci/internal/ctxlog"
	"github.com/vk/meshci/internal/scheduler"
	"github.com/vk/meshci/internal/step"
	"github.com/vk/meshci/internal/testnet"
)

// SuiteInput is the decoded arguments of a suite step.
type SuiteInput struct {
	Name string            `hcl:"name,optional"`
	Run  []string          `hcl:"run"`
	Dir  string            `hcl:"dir,optional"`
	Env  map[string]string `hcl:"env,optional"`
	// Timeout bounds this suite's command on top of the step deadline.
	Timeout string `hcl:"timeout,optional"`
}

// Module registers the suite and churn step handlers.
type Module struct{}

func (m *Module) Register(r *scheduler.Registry) {
	r.RegisterHandler("suite", &scheduler.Handler{
		NewInput: func() any { return new(SuiteInput) },
		Fn: func(ctx context.Context, jc *scheduler.JobContext, input any) error {
			return runSuite(ctx, jc, input.(*SuiteInput))
		},
	})
	r.RegisterHandler("churn", &scheduler.Handler{
		NewInput: func() any { return new(ChurnInput) },
		Fn: func(ctx context.Context, jc *scheduler.JobContext, input any) error {
			return runChurn(ctx, jc, input.(*ChurnInput))
		},
	})
}

func runSuite(ctx context.Context, jc *scheduler.JobContext, in *SuiteInput) error {
	logger := ctxlog.FromContext(ctx)
	network, ok := testnet.FromJob(jc)
	if !ok {
		return fmt.Errorf("suite step requires a running testnet; run a testnet_up step earlier in the job")
	}
	if len(in.Run) == 0 {
		return fmt.Errorf("suite step needs a non-empty run command")
	}

	name := in.Name
	if name == "" {
		name = in.Run[0]
	}

	timeout := time.Duration(0)
	if in.Timeout != "" {
		parsed, err := time.ParseDuration(in.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", in.Timeout, err)
		}
		timeout = parsed
	}

	env := map[string]string{
		"MESHCI_LOG_DIR":    network.LogSource().Dir(),
		"MESHCI_NODE_COUNT": strconv.Itoa(network.TargetCount()),
	}
	for k, v := range in.Env {
		env[k] = v
	}

	dir := in.Dir
	if dir == "" {
		dir = jc.WorkDir
	}

	logger.Info("Running suite.", "suite", name, "nodes", network.TargetCount())
	res, err := step.Run(ctx, step.Command{Argv: in.Run, Dir: dir, Env: env, Timeout: timeout})
	if err != nil {
		return fmt.Errorf("suite %q: %w", name, err)
	}
	logger.Info("Suite passed.", "suite", name, "duration", res.Duration)
	return nil
}
