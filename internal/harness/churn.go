package harness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vk/meshci/internal/ctxlog"
	"github.com/vk/meshci/internal/scheduler"
	"github.com/vk/meshci/internal/testnet"
)

const defaultExtraNodes = 5

// ChurnInput is the decoded arguments of a churn step.
type ChurnInput struct {
	ExtraNodes         int    `hcl:"extra_nodes,optional"`
	StaggerMS          int64  `hcl:"stagger_ms,optional"`
	PollIntervalMS     int64  `hcl:"poll_interval_ms,optional"`
	ConvergenceCeiling string `hcl:"convergence_ceiling,optional"`
}

// runChurn grows the network by a handful of late joiners and verifies two
// things: the enlarged network converges again, and none of the original
// members dropped out while it did.
func runChurn(ctx context.Context, jc *scheduler.JobContext, in *ChurnInput) error {
	logger := ctxlog.FromContext(ctx)
	network, ok := testnet.FromJob(jc)
	if !ok {
		return fmt.Errorf("churn step requires a running testnet; run a testnet_up step earlier in the job")
	}

	extra := in.ExtraNodes
	if extra <= 0 {
		extra = defaultExtraNodes
	}
	ceiling := time.Duration(0)
	if in.ConvergenceCeiling != "" {
		parsed, err := time.ParseDuration(in.ConvergenceCeiling)
		if err != nil {
			return fmt.Errorf("invalid convergence_ceiling %q: %w", in.ConvergenceCeiling, err)
		}
		ceiling = parsed
	}

	logger.Info("Starting churn.", "extra_nodes", extra, "current_target", network.TargetCount())
	if err := network.AddNodes(ctx, extra, time.Duration(in.StaggerMS)*time.Millisecond); err != nil {
		return fmt.Errorf("adding churn nodes: %w", err)
	}
	if err := network.AwaitConvergence(ctx, time.Duration(in.PollIntervalMS)*time.Millisecond, ceiling); err != nil {
		return fmt.Errorf("network did not re-converge after churn: %w", err)
	}

	// Nothing ever removes nodes on purpose, so any departure record means a
	// node crashed or was evicted under membership pressure.
	dropped, err := network.LogSource().Departures()
	if err != nil {
		return fmt.Errorf("reading departures after churn: %w", err)
	}
	if len(dropped) > 0 {
		return fmt.Errorf("%d node(s) left the network during churn: %s",
			len(dropped), strings.Join(dropped, ", "))
	}

	logger.Info("Churn passed.", "nodes", network.TargetCount())
	return nil
}
