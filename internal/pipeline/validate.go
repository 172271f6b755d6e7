package pipeline

import "fmt"

// Validate checks the structural integrity of a workflow: job names are
// unique, every `needs` edge points at a declared job, the gate exists and
// has no steps of its own, and step names within a job are unique. Cycle
// detection belongs to the dag package and happens when the scheduler builds
// the graph.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(w.Jobs) == 0 {
		return fmt.Errorf("workflow %q declares no jobs", w.Name)
	}

	seen := make(map[string]bool, len(w.Jobs))
	for _, j := range w.Jobs {
		if j.Name == "" {
			return fmt.Errorf("workflow %q contains a job without a name", w.Name)
		}
		if seen[j.Name] {
			return fmt.Errorf("duplicate job name %q", j.Name)
		}
		seen[j.Name] = true

		stepNames := make(map[string]bool, len(j.Steps))
		for _, s := range j.Steps {
			if s.Name == "" {
				return fmt.Errorf("job %q contains a step without a name", j.Name)
			}
			if stepNames[s.Name] {
				return fmt.Errorf("job %q declares step %q twice", j.Name, s.Name)
			}
			stepNames[s.Name] = true
		}
	}

	for _, j := range w.Jobs {
		for _, need := range j.Needs {
			if !seen[need] {
				return fmt.Errorf("job %q needs unknown job %q", j.Name, need)
			}
		}
	}

	if w.GateJob == "" {
		return fmt.Errorf("workflow %q declares no gate job", w.Name)
	}
	gate := w.Job(w.GateJob)
	if gate == nil {
		return fmt.Errorf("gate job %q is not declared", w.GateJob)
	}
	if len(gate.Steps) > 0 {
		return fmt.Errorf("gate job %q must not declare steps; its status is derived from its dependencies", w.GateJob)
	}
	if len(gate.Needs) == 0 {
		return fmt.Errorf("gate job %q must depend on at least one job", w.GateJob)
	}

	return nil
}
