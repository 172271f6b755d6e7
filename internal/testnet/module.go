package testnet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vk/meshci/internal/ctxlog"
	"github.com/vk/meshci/internal/scheduler"
)

// networkKey is where the running network handle lives in the job context,
// for the suite and churn steps that follow testnet_up in the same job.
const networkKey = "testnet.network"

// FromJob fetches the network launched earlier in the same job.
func FromJob(jc *scheduler.JobContext) (*Network, bool) {
	v, ok := jc.Value(networkKey)
	if !ok {
		return nil, false
	}
	n, ok := v.(*Network)
	return n, ok
}

// Bind makes the network visible to later steps of the same job.
func Bind(jc *scheduler.JobContext, n *Network) {
	jc.Put(networkKey, n)
}

// NodeCountEnv overrides the default target node count for every workflow on
// the host, mirroring how operators size testnets per runner class.
const NodeCountEnv = "MESHCI_NODE_COUNT"

// Input is the decoded arguments of a testnet_up step.
type Input struct {
	NodeCount          int    `hcl:"node_count,optional"`
	JoinIntervalMS     int64  `hcl:"join_interval_ms,optional"`
	PollIntervalMS     int64  `hcl:"poll_interval_ms,optional"`
	ConvergenceCeiling string `hcl:"convergence_ceiling,optional"`
	ArtifactKey        string `hcl:"artifact_key,optional"`
	NodeBin            string `hcl:"node_bin,optional"`
	BootstrapBin       string `hcl:"bootstrap_bin,optional"`
	Verbosity          string `hcl:"verbosity,optional"`
}

// Module registers the testnet_up step handler.
type Module struct{}

func (m *Module) Register(r *scheduler.Registry) {
	r.RegisterHandler("testnet_up", &scheduler.Handler{
		NewInput: func() any { return new(Input) },
		Fn: func(ctx context.Context, jc *scheduler.JobContext, input any) error {
			return runTestnetUp(ctx, jc, input.(*Input))
		},
	})
}

func runTestnetUp(ctx context.Context, jc *scheduler.JobContext, in *Input) error {
	logger := ctxlog.FromContext(ctx)

	nodeCount := in.NodeCount
	if nodeCount <= 0 {
		if env := os.Getenv(NodeCountEnv); env != "" {
			parsed, err := strconv.Atoi(env)
			if err != nil {
				return fmt.Errorf("invalid %s value %q: %w", NodeCountEnv, env, err)
			}
			nodeCount = parsed
		}
	}

	key := in.ArtifactKey
	if key == "" {
		key = jc.RunID
	}

	ceiling := DefaultCeiling
	if in.ConvergenceCeiling != "" {
		parsed, err := time.ParseDuration(in.ConvergenceCeiling)
		if err != nil {
			return fmt.Errorf("invalid convergence_ceiling %q: %w", in.ConvergenceCeiling, err)
		}
		ceiling = parsed
	}

	network, err := Launch(ctx, Options{
		ArchiveKey:   key,
		Store:        jc.Store,
		WorkDir:      filepath.Join(jc.WorkDir, "testnet"),
		NodeCount:    nodeCount,
		JoinInterval: time.Duration(in.JoinIntervalMS) * time.Millisecond,
		NodeBin:      in.NodeBin,
		BootstrapBin: in.BootstrapBin,
		Verbosity:    in.Verbosity,
	})
	if err != nil {
		return err
	}

	Bind(jc, network)
	// Teardown is registered before the convergence wait so a timed-out
	// network still gets killed and its liveness logged.
	jc.Defer("testnet teardown", func(cleanupCtx context.Context) error {
		ctxlog.FromContext(cleanupCtx).Info("Testnet liveness at job end.",
			"live_processes", network.LiveCount(),
			"target_nodes", network.TargetCount())
		return network.Shutdown(cleanupCtx)
	})

	if err := network.AwaitConvergence(ctx, time.Duration(in.PollIntervalMS)*time.Millisecond, ceiling); err != nil {
		return err
	}
	logger.Info("Testnet ready.", "nodes", network.TargetCount(), "log_dir", network.LogSource().Dir())
	return nil
}
