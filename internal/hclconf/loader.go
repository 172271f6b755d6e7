// Package hclconf loads declarative workflow files written in HCL and
// translates them into the pipeline model. The dependency DAG is
// configuration, not code: edges come from each job's `needs` list and the
// scheduler derives everything else.
package hclconf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/meshci/internal/ctxlog"
	"github.com/vk/meshci/internal/pipeline"
)

// fileRoot decodes the top-level blocks of any workflow file.
type fileRoot struct {
	Workflows []*workflowHCL `hcl:"workflow,block"`
}

type workflowHCL struct {
	Name    string      `hcl:"name,label"`
	Gate    string      `hcl:"gate"`
	Trigger *triggerHCL `hcl:"trigger,block"`
	Jobs    []*jobHCL   `hcl:"job,block"`
}

type triggerHCL struct {
	Branches      []string `hcl:"branches,optional"`
	Owner         string   `hcl:"owner,optional"`
	ReleaseMarker string   `hcl:"release_marker,optional"`
}

type jobHCL struct {
	Name  string     `hcl:"name,label"`
	Needs []string   `hcl:"needs,optional"`
	Steps []*stepHCL `hcl:"step,block"`
}

type stepHCL struct {
	Name        string    `hcl:"name,label"`
	Uses        string    `hcl:"uses,optional"`
	Timeout     string    `hcl:"timeout,optional"`
	Criticality string    `hcl:"criticality,optional"`
	When        string    `hcl:"when,optional"`
	Arguments   *argsBody `hcl:"arguments,block"`
}

// argsBody captures the raw arguments block; the step handler decodes it
// against its own input struct at run time, when the run's eval context
// (run.id, run.workdir, ...) exists.
type argsBody struct {
	Body hcl.Body `hcl:",remain"`
}

// Loader discovers and parses workflow files.
type Loader struct{}

// NewLoader creates a workflow loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses every .hcl file under the given paths (files or directories)
// and returns the declared workflows. Each workflow is validated
// structurally before it is returned.
func (l *Loader) Load(ctx context.Context, paths ...string) ([]*pipeline.Workflow, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := findHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered workflow files.", "count", len(files))
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl workflow files found under %v", paths)
	}

	parser := hclparse.NewParser()
	var workflows []*pipeline.Workflow
	seen := make(map[string]string)

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parsing %s: %w", file, diags)
		}

		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("decoding %s: %w", file, diags)
		}

		for _, raw := range root.Workflows {
			if prev, dup := seen[raw.Name]; dup {
				return nil, fmt.Errorf("workflow %q declared in both %s and %s", raw.Name, prev, file)
			}
			seen[raw.Name] = file

			w, err := translateWorkflow(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			if err := w.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			workflows = append(workflows, w)
		}
	}

	logger.Debug("Workflow loading complete.", "workflows", len(workflows))
	return workflows, nil
}

func translateWorkflow(raw *workflowHCL) (*pipeline.Workflow, error) {
	w := &pipeline.Workflow{
		Name:    raw.Name,
		GateJob: raw.Gate,
		Trigger: &pipeline.Trigger{},
	}
	if raw.Trigger != nil {
		w.Trigger = &pipeline.Trigger{
			Branches:      raw.Trigger.Branches,
			Owner:         raw.Trigger.Owner,
			ReleaseMarker: raw.Trigger.ReleaseMarker,
		}
	}

	for _, rawJob := range raw.Jobs {
		job := &pipeline.JobSpec{Name: rawJob.Name, Needs: rawJob.Needs}
		for _, rawStep := range rawJob.Steps {
			s, err := translateStep(rawStep)
			if err != nil {
				return nil, fmt.Errorf("job %q step %q: %w", rawJob.Name, rawStep.Name, err)
			}
			job.Steps = append(job.Steps, s)
		}
		w.Jobs = append(w.Jobs, job)
	}
	return w, nil
}

func translateStep(raw *stepHCL) (*pipeline.StepSpec, error) {
	s := &pipeline.StepSpec{Name: raw.Name, Uses: raw.Uses}

	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", raw.Timeout, err)
		}
		s.Timeout = d
	}

	switch raw.Criticality {
	case "", "fatal":
		s.Criticality = pipeline.Fatal
	case "advisory":
		s.Criticality = pipeline.Advisory
	default:
		return nil, fmt.Errorf("invalid criticality %q: must be 'fatal' or 'advisory'", raw.Criticality)
	}

	switch raw.When {
	case "", "on_success":
		s.When = pipeline.OnSuccess
	case "on_failure":
		s.When = pipeline.OnFailure
	case "always":
		s.When = pipeline.Always
	default:
		return nil, fmt.Errorf("invalid when %q: must be 'on_success', 'on_failure', or 'always'", raw.When)
	}

	if raw.Arguments != nil {
		s.Arguments = raw.Arguments.Body
	}
	return s, nil
}

// findHCLFiles walks the given paths and returns every .hcl file found,
// de-duplicated. A configured path that does not exist is skipped rather
// than treated as an error.
func findHCLFiles(paths []string) ([]string, error) {
	var all []string
	seen := make(map[string]struct{})

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("accessing %s: %w", path, err)
		}

		if !info.IsDir() {
			if filepath.Ext(path) == ".hcl" {
				if _, ok := seen[path]; !ok {
					all = append(all, path)
					seen[path] = struct{}{}
				}
			}
			continue
		}

		err = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !fi.IsDir() && filepath.Ext(p) == ".hcl" {
				if _, ok := seen[p]; !ok {
					all = append(all, p)
					seen[p] = struct{}{}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return all, nil
}
