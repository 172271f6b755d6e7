package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/vk/meshci/internal/artifact"
	"github.com/vk/meshci/internal/ctxlog"
	"github.com/vk/meshci/internal/pipeline"
)

// StepResult records how one step of a job went. Advisory failures carry the
// error text but leave Failed false: they must never flip the job's status.
type StepResult struct {
	Step        string        `json:"step"`
	Skipped     bool          `json:"skipped,omitempty"`
	Failed      bool          `json:"failed,omitempty"`
	Advisory    bool          `json:"advisory,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completedAt"`
}

// JobContext is the per-job view handed to step handlers. Jobs share nothing
// with each other except the artifact store; state passed between steps of
// the same job (for example the testnet handle from testnet_up to the churn
// suite) travels through the Values bag.
type JobContext struct {
	RunID   string
	JobName string
	Event   *pipeline.Event
	Store   artifact.Store
	// WorkDir is the job's private scratch directory, created before the
	// first step runs.
	WorkDir string

	mu       sync.Mutex
	values   map[string]any
	cleanups []cleanup
	results  []StepResult
	failed   bool
}

type cleanup struct {
	name string
	fn   func(ctx context.Context) error
}

func newJobContext(runID string, ev *pipeline.Event, store artifact.Store, jobName, workDir string) *JobContext {
	return &JobContext{
		RunID:   runID,
		JobName: jobName,
		Event:   ev,
		Store:   store,
		WorkDir: workDir,
		values:  make(map[string]any),
	}
}

// Put stores a value for later steps of the same job.
func (jc *JobContext) Put(key string, v any) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if jc.values == nil {
		jc.values = make(map[string]any)
	}
	jc.values[key] = v
}

// Value fetches a value stored by an earlier step.
func (jc *JobContext) Value(key string) (any, bool) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	v, ok := jc.values[key]
	return v, ok
}

// Failed reports whether a fatal step failure has already occurred. Handlers
// that only act on failure (diagnostics capture) consult this.
func (jc *JobContext) Failed() bool {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.failed
}

// Defer registers a cleanup to run when the job ends, regardless of outcome,
// in LIFO order. Cleanup failures are advisory: logged, never propagated.
// Network teardown and liveness accounting live here.
func (jc *JobContext) Defer(name string, fn func(ctx context.Context) error) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.cleanups = append(jc.cleanups, cleanup{name: name, fn: fn})
}

// Results returns a copy of the step results recorded so far.
func (jc *JobContext) Results() []StepResult {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	out := make([]StepResult, len(jc.results))
	copy(out, jc.results)
	return out
}

func (jc *JobContext) record(r StepResult) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.results = append(jc.results, r)
	if r.Failed {
		jc.failed = true
	}
}

// runCleanups executes the deferred cleanups in LIFO order. It deliberately
// ignores the run's cancellation state: a superseded run still tears its
// testnet down, bounded by a fresh short-lived context.
func (jc *JobContext) runCleanups(ctx context.Context) {
	jc.mu.Lock()
	cleanups := make([]cleanup, len(jc.cleanups))
	copy(cleanups, jc.cleanups)
	jc.mu.Unlock()

	logger := ctxlog.FromContext(ctx)
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	for i := len(cleanups) - 1; i >= 0; i-- {
		c := cleanups[i]
		if err := c.fn(cleanupCtx); err != nil {
			logger.Warn("Job cleanup failed; continuing.", "cleanup", c.name, "error", err)
		}
	}
}
