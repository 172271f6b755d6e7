package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/vk/meshci/internal/artifact"
	"github.com/vk/meshci/internal/ctxlog"
	"github.com/vk/meshci/internal/dag"
	"github.com/vk/meshci/internal/pipeline"
)

// executor drives one run of the job DAG with a fixed-size worker pool.
// Jobs with no unmet dependency start immediately; a failure propagates only
// through declared edges, never sideways between independent jobs.
type executor struct {
	run      *Run
	workflow *pipeline.Workflow
	registry *Registry
	store    artifact.Store
	workDir  string
	workers  int

	graph *dag.Graph
	nodes map[string]*jobNode
	wg    sync.WaitGroup
}

type jobNode struct {
	spec       *pipeline.JobSpec
	isGate     bool
	depCount   atomic.Int32
	dependents []*jobNode
	// resolveOnce guards the single wg.Done bookkeeping for nodes resolved
	// out of band (skip cascades, cancellation).
	resolveOnce sync.Once
}

func newExecutor(run *Run, w *pipeline.Workflow, reg *Registry, store artifact.Store, workDir string, workers int) (*executor, error) {
	g := dag.New()
	for _, j := range w.Jobs {
		g.AddNode(j.Name)
	}
	for _, j := range w.Jobs {
		for _, need := range j.Needs {
			if err := g.AddEdge(need, j.Name); err != nil {
				return nil, fmt.Errorf("building job graph: %w", err)
			}
		}
	}
	if err := g.DetectCycles(); err != nil {
		return nil, fmt.Errorf("validating job graph: %w", err)
	}

	e := &executor{
		run:      run,
		workflow: w,
		registry: reg,
		store:    store,
		workDir:  workDir,
		workers:  workers,
		graph:    g,
		nodes:    make(map[string]*jobNode, g.Len()),
	}
	for _, j := range w.Jobs {
		e.nodes[j.Name] = &jobNode{spec: j, isGate: j.Name == w.GateJob}
	}
	for _, name := range g.Nodes() {
		node := e.nodes[name]
		deps, err := g.Dependencies(name)
		if err != nil {
			return nil, fmt.Errorf("building job graph: %w", err)
		}
		node.depCount.Store(int32(len(deps)))
		dependents, err := g.Dependents(name)
		if err != nil {
			return nil, fmt.Errorf("building job graph: %w", err)
		}
		for _, dep := range dependents {
			node.dependents = append(node.dependents, e.nodes[dep])
		}
	}
	return e, nil
}

// execute runs the DAG to completion. It returns once every job holds a
// terminal status; the run's gate status is the aggregate verdict.
func (e *executor) execute(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)

	readyChan := make(chan *jobNode, e.graph.Len())
	roots := e.graph.Roots()
	for _, name := range roots {
		readyChan <- e.nodes[name]
	}
	logger.Debug("Executor initialized.", "jobs", e.graph.Len(), "roots", len(roots))

	e.wg.Add(e.graph.Len())
	workers := e.workers
	if workers <= 0 {
		workers = e.graph.Len()
	}
	for i := 0; i < workers; i++ {
		go e.worker(ctx, readyChan, i)
	}

	e.wg.Wait()
	close(readyChan)

	if ctx.Err() != nil {
		e.run.cancelRemaining()
	}
	logger.Info("Run concluded.", "gate", e.run.GateStatus().String())
}

// worker is the processing loop for one concurrent worker.
func (e *executor) worker(ctx context.Context, readyChan chan *jobNode, workerID int) {
	logger := ctxlog.FromContext(ctx).With("workerID", workerID)

	for node := range readyChan {
		if ctx.Err() != nil {
			// The gate still resolves through the all-deps-succeeded check;
			// it never concludes cancelled.
			if node.isGate {
				e.resolveGate(ctx, node)
				continue
			}
			node.resolveOnce.Do(func() {
				logger.Warn("Run cancelled; job will not start.", "job", node.spec.Name)
				e.run.setStatus(node.spec.Name, StatusCancelled)
				e.cascade(ctx, node, StatusCancelled)
				e.wg.Done()
			})
			continue
		}

		if node.isGate {
			e.resolveGate(ctx, node)
			continue
		}

		e.runJobNode(ctx, node, readyChan)
	}
}

func (e *executor) runJobNode(ctx context.Context, node *jobNode, readyChan chan *jobNode) {
	logger := ctxlog.FromContext(ctx)
	name := node.spec.Name

	e.run.setStatus(name, StatusRunning)
	logger.Info("Job started.", "job", name)

	jobDir := filepath.Join(e.workDir, name)
	var err error
	if mkErr := os.MkdirAll(jobDir, 0o755); mkErr != nil {
		err = fmt.Errorf("creating job workdir: %w", mkErr)
	} else {
		jc := newJobContext(e.run.ID, e.run.Event, e.store, name, jobDir)
		err = runJob(ctx, e.registry, node.spec, jc)
		e.run.setSteps(name, jc.Results())
	}

	if err != nil {
		downstream := StatusSkipped
		if ctx.Err() != nil {
			e.run.setStatus(name, StatusCancelled)
			downstream = StatusCancelled
			logger.Warn("Job cancelled mid-flight.", "job", name)
		} else {
			e.run.setStatus(name, StatusFailed)
			logger.Error("Job failed.", "job", name, "error", err)
		}
		node.resolveOnce.Do(func() {
			e.cascade(ctx, node, downstream)
			e.wg.Done()
		})
		return
	}

	e.run.setStatus(name, StatusSucceeded)
	logger.Info("Job succeeded.", "job", name)

	node.resolveOnce.Do(func() {
		for _, dependent := range node.dependents {
			if dependent.depCount.Add(-1) == 0 {
				readyChan <- dependent
			}
		}
		e.wg.Done()
	})
}

// resolveGate runs when every gate dependency resolved to succeeded (the only
// way the gate's dep count reaches zero through the ready channel). The
// explicit re-check keeps the invariant local and cheap to audit.
func (e *executor) resolveGate(ctx context.Context, node *jobNode) {
	logger := ctxlog.FromContext(ctx)

	node.resolveOnce.Do(func() {
		st := StatusSucceeded
		for _, dep := range node.spec.Needs {
			if e.run.JobStatus(dep) != StatusSucceeded {
				st = StatusFailed
				break
			}
		}
		e.run.setStatus(node.spec.Name, st)
		logger.Info("Gate resolved.", "gate", node.spec.Name, "status", st.String())
		e.wg.Done()
	})
}

// cascade resolves every downstream job of a non-succeeded node. Ordinary
// dependents become `st` (skipped, or cancelled during supersession); the
// gate instead becomes failed, because its contract is "failed unless every
// dependency succeeded".
func (e *executor) cascade(ctx context.Context, node *jobNode, st Status) {
	logger := ctxlog.FromContext(ctx)
	for _, dependent := range node.dependents {
		dependent.resolveOnce.Do(func() {
			if dependent.isGate {
				e.run.setStatus(dependent.spec.Name, StatusFailed)
				logger.Info("Gate failed: upstream did not succeed.", "gate", dependent.spec.Name, "upstream", node.spec.Name)
			} else {
				e.run.setStatus(dependent.spec.Name, st)
				logger.Warn("Job resolved without running due to upstream outcome.", "job", dependent.spec.Name, "status", st.String(), "upstream", node.spec.Name)
			}
			e.wg.Done()
			e.cascade(ctx, dependent, st)
		})
	}
}
