package release

import (
	"context"
	"fmt"

	"github.com/vk/meshci/internal/ctxlog"
	"github.com/vk/meshci/internal/pipeline"
	"github.com/vk/meshci/internal/scheduler"
)

// Input is the decoded arguments of a release step.
type Input struct {
	RepoPath  string   `hcl:"repo_path,optional"`
	Remote    string   `hcl:"remote,optional"`
	Branch    string   `hcl:"branch,optional"`
	Marker    string   `hcl:"marker,optional"`
	Manifests []string `hcl:"manifests,optional"`
	TagPrefix string   `hcl:"tag_prefix,optional"`
}

// Module registers the release step handler.
type Module struct{}

func (m *Module) Register(r *scheduler.Registry) {
	r.RegisterHandler("release", &scheduler.Handler{
		NewInput: func() any { return new(Input) },
		Fn: func(ctx context.Context, jc *scheduler.JobContext, input any) error {
			return runRelease(ctx, jc, input.(*Input))
		},
	})
}

func runRelease(ctx context.Context, jc *scheduler.JobContext, in *Input) error {
	opts := Options{
		RepoPath:  in.RepoPath,
		Remote:    in.Remote,
		Branch:    in.Branch,
		Marker:    in.Marker,
		Manifests: in.Manifests,
		TagPrefix: in.TagPrefix,
	}
	if opts.RepoPath == "" {
		opts.RepoPath = jc.WorkDir
	}
	opts.withDefaults()

	// Advancement only ever happens for direct pushes to the release branch.
	// Pull requests and side branches validate, they never tag.
	if jc.Event != nil {
		if jc.Event.Kind != pipeline.EventPush {
			return fmt.Errorf("release step requires a push event, got %s", jc.Event.Kind)
		}
		if jc.Event.Ref != opts.Branch {
			return fmt.Errorf("release step requires a push to %q, got %q", opts.Branch, jc.Event.Ref)
		}
	}

	res, err := NewAdvancer(opts).Advance(ctx)
	if err != nil {
		return err
	}
	if !res.Advanced {
		ctxlog.FromContext(ctx).Info("Release unchanged.", "version", res.Previous)
		return nil
	}
	ctxlog.FromContext(ctx).Info("Release cut.", "tag", res.Tag, "commit", res.Commit)
	return nil
}
