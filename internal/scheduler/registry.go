package scheduler

import (
	"context"
	"fmt"

	"github.com/vk/meshci/internal/pipeline"
)

// HandlerFunc executes one step. input is the handler's decoded argument
// struct (nil when the handler registered no input shape).
type HandlerFunc func(ctx context.Context, jc *JobContext, input any) error

// Handler binds a step type ("exec", "testnet_up", ...) to its Go
// implementation. NewInput returns a fresh pointer to the handler's argument
// struct, which the scheduler populates from the step's HCL arguments block.
type Handler struct {
	NewInput func() any
	Fn       HandlerFunc
}

// Registry maps step types to handlers. Modules register their handlers at
// startup; the scheduler resolves them while running jobs.
type Registry struct {
	handlers map[string]*Handler
}

// Module is anything that can contribute handlers to the registry.
type Module interface {
	Register(r *Registry)
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

// RegisterHandler adds a handler under the given step type. Registering the
// same type twice panics: it is a wiring bug, not a runtime condition.
func (r *Registry) RegisterHandler(stepType string, h *Handler) {
	if _, ok := r.handlers[stepType]; ok {
		panic(fmt.Sprintf("step handler %q registered twice", stepType))
	}
	if h == nil || h.Fn == nil {
		panic(fmt.Sprintf("step handler %q has no Fn", stepType))
	}
	r.handlers[stepType] = h
}

// Handler resolves a step type.
func (r *Registry) Handler(stepType string) (*Handler, bool) {
	h, ok := r.handlers[stepType]
	return h, ok
}

// ValidateWorkflow checks that every step in the workflow resolves to a
// registered handler, so a typo fails at load time instead of mid-run.
func (r *Registry) ValidateWorkflow(w *pipeline.Workflow) error {
	for _, job := range w.Jobs {
		for _, s := range job.Steps {
			if _, ok := r.handlers[s.HandlerType()]; !ok {
				return fmt.Errorf("job %q step %q uses unregistered handler %q", job.Name, s.Name, s.HandlerType())
			}
		}
	}
	return nil
}
