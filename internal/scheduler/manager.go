package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/vk/meshci/internal/artifact"
	"github.com/vk/meshci/internal/ctxlog"
	"github.com/vk/meshci/internal/pipeline"
)

// ErrFiltered is returned by Submit for events the workflow's trigger does
// not match. It is not a failure; the event simply starts no run.
var ErrFiltered = errors.New("event filtered by workflow trigger")

// Manager owns run admission: trigger filtering, the automated-release-commit
// skip path, and the one-active-run-per-ref concurrency policy with
// supersession.
type Manager struct {
	workflow *pipeline.Workflow
	registry *Registry
	store    artifact.Store
	workDir  string
	workers  int

	mu     sync.Mutex
	active map[uint64]*activeRun
	runs   map[string]*Run
}

type activeRun struct {
	run    *Run
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager validates the workflow against the registry and returns a
// manager ready to accept events.
func NewManager(w *pipeline.Workflow, reg *Registry, store artifact.Store, workDir string, workers int) (*Manager, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}
	if err := reg.ValidateWorkflow(w); err != nil {
		return nil, err
	}
	return &Manager{
		workflow: w,
		registry: reg,
		store:    store,
		workDir:  workDir,
		workers:  workers,
		active:   make(map[uint64]*activeRun),
		runs:     make(map[string]*Run),
	}, nil
}

// Run looks up a run by ID.
func (m *Manager) Run(id string) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	return r, ok
}

// Submit admits a trigger event. It returns the created run with its jobs
// executing in the background; callers that need the verdict use Run.Wait.
//
// If another run with the same concurrency key is active, it is cancelled and
// drained before the new run's jobs begin, so a superseded run always reaches
// `cancelled` first.
func (m *Manager) Submit(ctx context.Context, ev *pipeline.Event) (*Run, error) {
	logger := ctxlog.FromContext(ctx)

	if !m.workflow.Trigger.Matches(ev) {
		logger.Info("Event filtered.", "ref", ev.Ref, "kind", ev.Kind)
		return nil, ErrFiltered
	}

	run := newRun(uuid.NewString(), m.workflow, ev)
	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()

	if m.workflow.Trigger.IsReleaseCommit(ev) {
		logger.Info("Automated release commit; skipping all jobs, gate succeeds trivially.", "run", run.ID)
		run.markAllSkipped()
		return run, nil
	}

	key := concurrencyKey(m.workflow.Name, ev.ConcurrencyRef())
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ar := &activeRun{run: run, cancel: cancel, done: make(chan struct{})}

	// Claim the concurrency slot, cancelling and draining whichever run holds
	// it. The loop handles concurrent submissions racing for the same slot.
	for {
		m.mu.Lock()
		prev := m.active[key]
		if prev == nil {
			m.active[key] = ar
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()

		logger.Info("Superseding active run on same ref.", "cancelled_run", prev.run.ID, "new_run", run.ID, "ref", ev.ConcurrencyRef())
		prev.cancel()
		<-prev.done
	}

	go m.executeRun(runCtx, run, key, ar)
	return run, nil
}

func (m *Manager) executeRun(ctx context.Context, run *Run, key uint64, ar *activeRun) {
	defer func() {
		m.mu.Lock()
		if m.active[key] == ar {
			delete(m.active, key)
		}
		m.mu.Unlock()
		run.finish()
		close(ar.done)
	}()

	logger := ctxlog.FromContext(ctx).With("run", run.ID, "ref", run.Event.Ref)
	ctx = ctxlog.WithLogger(ctx, logger)

	exec, err := newExecutor(run, m.workflow, m.registry, m.store, filepath.Join(m.workDir, run.ID), m.workers)
	if err != nil {
		logger.Error("Run setup failed.", "error", err)
		run.cancelRemaining()
		return
	}

	logger.Info("Run started.", "jobs", len(m.workflow.Jobs))
	exec.execute(ctx)
}

// concurrencyKey hashes (workflow, ref-or-PR) into the supersession key.
func concurrencyKey(workflow, ref string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(workflow))
	h.Write([]byte{0})
	h.Write([]byte(ref))
	return h.Sum64()
}
