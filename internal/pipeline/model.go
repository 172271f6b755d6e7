// Package pipeline defines the format-agnostic model of a workflow: the jobs,
// their dependency edges, their steps, and the trigger filter. The model is
// produced by the hclconf loader and consumed by the scheduler; nothing in it
// knows how a step is actually executed.
package pipeline

import (
	"time"

	"github.com/hashicorp/hcl/v2"
)

// Criticality classifies a step failure. Fatal failures flip the owning job
// to failed; advisory failures are recorded and logged but never change the
// job's terminal status (diagnostics capture, network teardown).
type Criticality int

const (
	Fatal Criticality = iota
	Advisory
)

func (c Criticality) String() string {
	if c == Advisory {
		return "advisory"
	}
	return "fatal"
}

// When controls whether a step runs depending on how the job is going so far.
type When int

const (
	// OnSuccess runs the step only while no fatal failure has occurred. The default.
	OnSuccess When = iota
	// OnFailure runs the step only after a fatal failure has occurred.
	OnFailure
	// Always runs the step regardless of the job's interim outcome.
	Always
)

func (w When) String() string {
	switch w {
	case OnFailure:
		return "on_failure"
	case Always:
		return "always"
	default:
		return "on_success"
	}
}

// Workflow is the complete declarative description of one CI pipeline.
type Workflow struct {
	Name    string
	Trigger *Trigger
	// GateJob names the synthetic aggregator job. Its status is the sole
	// merge-readiness signal consumed externally.
	GateJob string
	Jobs    []*JobSpec
}

// Job returns the spec with the given name, or nil.
func (w *Workflow) Job(name string) *JobSpec {
	for _, j := range w.Jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// JobSpec declares one job: its identity, upstream dependencies, and steps.
type JobSpec struct {
	Name  string
	Needs []string
	Steps []*StepSpec
}

// StepSpec is an atomic unit of work inside a job.
type StepSpec struct {
	Name string
	// Uses names the registered step handler. Empty means "exec".
	Uses        string
	Timeout     time.Duration
	Criticality Criticality
	When        When
	// Arguments is the raw HCL body of the step's arguments block, decoded
	// by the handler into its own input struct. May be nil.
	Arguments hcl.Body
}

// HandlerType returns the registered handler name for the step.
func (s *StepSpec) HandlerType() string {
	if s.Uses == "" {
		return "exec"
	}
	return s.Uses
}
