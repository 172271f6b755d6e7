package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/vk/meshci/internal/pipeline"
)

// Run is one invocation of the whole job DAG for a single trigger event.
type Run struct {
	ID        string
	Workflow  string
	Event     *pipeline.Event
	CreatedAt time.Time

	gateJob string

	mu       sync.Mutex
	statuses map[string]Status
	steps    map[string][]StepResult
	done     chan struct{}
	finished bool
}

func newRun(id string, w *pipeline.Workflow, ev *pipeline.Event) *Run {
	statuses := make(map[string]Status, len(w.Jobs))
	for _, j := range w.Jobs {
		statuses[j.Name] = StatusPending
	}
	return &Run{
		ID:        id,
		Workflow:  w.Name,
		Event:     ev,
		CreatedAt: time.Now(),
		gateJob:   w.GateJob,
		statuses:  statuses,
		steps:     make(map[string][]StepResult),
		done:      make(chan struct{}),
	}
}

// JobStatus returns the current status of one job.
func (r *Run) JobStatus(name string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[name]
}

// Statuses returns a snapshot of every job's status.
func (r *Run) Statuses() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Status, len(r.statuses))
	for k, v := range r.statuses {
		out[k] = v
	}
	return out
}

// GateStatus returns the gate's status: the sole merge-readiness signal.
func (r *Run) GateStatus() Status {
	return r.JobStatus(r.gateJob)
}

// StepResults returns the recorded step results for one job.
func (r *Run) StepResults(job string) []StepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepResult, len(r.steps[job]))
	copy(out, r.steps[job])
	return out
}

// Wait blocks until the run concludes or the context is cancelled.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finished reports whether the run has concluded.
func (r *Run) Finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Run) setStatus(job string, st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[job] = st
}

func (r *Run) setSteps(job string, results []StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[job] = results
}

// cancelRemaining flips every non-terminal job to cancelled. The gate
// instead fails: it only ever concludes succeeded or failed. Used when a run
// is superseded; already-completed jobs keep their status but the run's
// results are no longer consulted by anyone.
func (r *Run) cancelRemaining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, st := range r.statuses {
		if st.Terminal() {
			continue
		}
		if name == r.gateJob {
			r.statuses[name] = StatusFailed
		} else {
			r.statuses[name] = StatusCancelled
		}
	}
}

func (r *Run) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finished {
		r.finished = true
		close(r.done)
	}
}

// markAllSkipped resolves the whole run without executing anything: every job
// except the gate is skipped and the gate succeeds trivially. This is the
// automated-release-commit path.
func (r *Run) markAllSkipped() {
	r.mu.Lock()
	for name := range r.statuses {
		if name == r.gateJob {
			r.statuses[name] = StatusSucceeded
		} else {
			r.statuses[name] = StatusSkipped
		}
	}
	r.mu.Unlock()
	r.finish()
}
