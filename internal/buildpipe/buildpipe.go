// Package buildpipe implements the compile-and-publish half of a run: exec
// steps for arbitrary commands, build steps for compile sequences, and the
// publish step that packs the node binaries into the run's immutable build
// archive.
package buildpipe

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/vk/meshci/internal/archive"
	"github.com/vk/meshci/internal/ctxlog"
	"github.com/vk/meshci/internal/scheduler"
	"github.com/vk/meshci/internal/step"
	"github.com/vk/meshci/internal/testnet"
)

// ExecInput is the decoded arguments of an exec step.
type ExecInput struct {
	Run []string          `hcl:"run"`
	Dir string            `hcl:"dir,optional"`
	Env map[string]string `hcl:"env,optional"`
}

// BuildInput is the decoded arguments of a build step: a compile sequence
// that stops at the first failing command.
type BuildInput struct {
	Commands [][]string        `hcl:"commands"`
	Dir      string            `hcl:"dir,optional"`
	Env      map[string]string `hcl:"env,optional"`
}

// PublishInput is the decoded arguments of a publish step. Zero-value fields
// fall back to the run's canonical archive: both node binaries out of the
// job's work directory, keyed by the run ID.
type PublishInput struct {
	Key      string   `hcl:"key,optional"`
	Dir      string   `hcl:"dir,optional"`
	Binaries []string `hcl:"binaries,optional"`
}

// Module registers the exec, build, and publish step handlers.
type Module struct{}

func (m *Module) Register(r *scheduler.Registry) {
	r.RegisterHandler("exec", &scheduler.Handler{
		NewInput: func() any { return new(ExecInput) },
		Fn: func(ctx context.Context, jc *scheduler.JobContext, input any) error {
			return runExec(ctx, jc, input.(*ExecInput))
		},
	})
	r.RegisterHandler("build", &scheduler.Handler{
		NewInput: func() any { return new(BuildInput) },
		Fn: func(ctx context.Context, jc *scheduler.JobContext, input any) error {
			return runBuild(ctx, jc, input.(*BuildInput))
		},
	})
	r.RegisterHandler("publish", &scheduler.Handler{
		NewInput: func() any { return new(PublishInput) },
		Fn: func(ctx context.Context, jc *scheduler.JobContext, input any) error {
			return runPublish(ctx, jc, input.(*PublishInput))
		},
	})
}

func runExec(ctx context.Context, jc *scheduler.JobContext, in *ExecInput) error {
	if len(in.Run) == 0 {
		return fmt.Errorf("exec step needs a non-empty run command")
	}
	dir := in.Dir
	if dir == "" {
		dir = jc.WorkDir
	}
	res, err := step.Run(ctx, step.Command{Argv: in.Run, Dir: dir, Env: in.Env})
	if err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Debug("Command finished.", "argv", in.Run[0], "duration", res.Duration)
	return nil
}

func runBuild(ctx context.Context, jc *scheduler.JobContext, in *BuildInput) error {
	if len(in.Commands) == 0 {
		return fmt.Errorf("build step needs at least one command")
	}
	logger := ctxlog.FromContext(ctx)
	dir := in.Dir
	if dir == "" {
		dir = jc.WorkDir
	}
	for i, argv := range in.Commands {
		if len(argv) == 0 {
			return fmt.Errorf("build command %d is empty", i+1)
		}
		logger.Info("Compiling.", "command", argv[0], "stage", fmt.Sprintf("%d/%d", i+1, len(in.Commands)))
		if _, err := step.Run(ctx, step.Command{Argv: argv, Dir: dir, Env: in.Env}); err != nil {
			return fmt.Errorf("build command %d: %w", i+1, err)
		}
	}
	return nil
}

// runPublish packs the binaries and uploads the archive exactly once. The
// store's write-once guarantee is what downstream fan-out jobs rely on, so a
// key collision is surfaced, not papered over.
func runPublish(ctx context.Context, jc *scheduler.JobContext, in *PublishInput) error {
	logger := ctxlog.FromContext(ctx)

	key := in.Key
	if key == "" {
		key = jc.RunID
	}
	dir := in.Dir
	if dir == "" {
		dir = jc.WorkDir
	}
	binaries := in.Binaries
	if len(binaries) == 0 {
		binaries = []string{testnet.DefaultNodeBin, testnet.DefaultBootstrapBin}
	}
	for i, bin := range binaries {
		binaries[i] = filepath.Clean(bin)
	}

	var buf bytes.Buffer
	if err := archive.Create(&buf, dir, binaries...); err != nil {
		return fmt.Errorf("packing build archive: %w", err)
	}
	if err := jc.Store.Put(ctx, key, &buf, int64(buf.Len())); err != nil {
		return fmt.Errorf("publishing build archive %q: %w", key, err)
	}
	logger.Info("Build archive published.", "key", key, "binaries", binaries)
	return nil
}
