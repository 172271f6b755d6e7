// Package app is the composition root: it assembles the logger, workflow
// configuration, step-handler registry, artifact store, and run manager into
// one runnable unit.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vk/meshci/internal/artifact"
	"github.com/vk/meshci/internal/ctxlog"
	"github.com/vk/meshci/internal/hclconf"
	"github.com/vk/meshci/internal/pipeline"
	"github.com/vk/meshci/internal/scheduler"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	config   *Config
	workflow *pipeline.Workflow
	manager  *scheduler.Manager
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger and registry.
// Startup problems are configuration defects, so it panics; the CLI recovers
// and turns them into a clean exit.
func NewApp(outW io.Writer, cfg *Config, modules ...scheduler.Module) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	workflows, err := hclconf.NewLoader().Load(ctx, cfg.WorkflowPath)
	if err != nil {
		panic(fmt.Errorf("failed to load workflow configuration: %w", err))
	}
	workflow, err := selectWorkflow(workflows, cfg.Workflow)
	if err != nil {
		panic(err)
	}
	logger.Debug("Workflow loaded.", "workflow", workflow.Name, "jobs", len(workflow.Jobs))

	reg := scheduler.New()
	if len(modules) == 0 {
		modules = coreModules
	}
	for _, mod := range modules {
		mod.Register(reg)
	}
	logger.Debug("All step handler modules registered.", "count", len(modules))

	store, err := newStore(ctx, cfg)
	if err != nil {
		panic(fmt.Errorf("failed to open artifact store: %w", err))
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "meshci-*")
		if err != nil {
			panic(fmt.Errorf("failed to create scratch directory: %w", err))
		}
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 4
	}

	manager, err := scheduler.NewManager(workflow, reg, store, workDir, workers)
	if err != nil {
		panic(fmt.Errorf("workflow rejected: %w", err))
	}
	logger.Debug("Run manager ready.", "workers", workers, "workdir", workDir)

	return &App{
		outW:     outW,
		logger:   logger,
		config:   cfg,
		workflow: workflow,
		manager:  manager,
	}
}

// Manager returns the application's run manager. This is primarily for
// testing.
func (a *App) Manager() *scheduler.Manager {
	return a.manager
}

func selectWorkflow(workflows []*pipeline.Workflow, name string) (*pipeline.Workflow, error) {
	if name == "" {
		if len(workflows) == 1 {
			return workflows[0], nil
		}
		return nil, fmt.Errorf("configuration defines %d workflows; select one with --workflow", len(workflows))
	}
	for _, w := range workflows {
		if w.Name == name {
			return w, nil
		}
	}
	return nil, fmt.Errorf("workflow %q is not defined", name)
}

// newStore picks the artifact backend: the object store when S3 settings are
// present, a local filesystem store otherwise.
func newStore(ctx context.Context, cfg *Config) (artifact.Store, error) {
	if cfg.S3Endpoint != "" {
		return artifact.NewMinioStore(ctx, artifact.MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	}
	dir := cfg.ArtifactDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "meshci-artifacts-*")
		if err != nil {
			return nil, err
		}
	}
	return artifact.NewFSStore(dir)
}
