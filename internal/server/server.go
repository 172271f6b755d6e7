// Package server exposes the orchestrator over HTTP: webhook-shaped event
// ingestion plus run status for tooling that polls the gate.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vk/meshci/internal/ctxlog"
	"github.com/vk/meshci/internal/pipeline"
	"github.com/vk/meshci/internal/scheduler"
)

// Server routes VCS events into the run manager.
type Server struct {
	manager *scheduler.Manager
}

func New(m *scheduler.Manager) *Server {
	return &Server{manager: m}
}

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/events/push", s.handleEvent(pipeline.EventPush))
	r.Post("/events/pull_request", s.handleEvent(pipeline.EventPullRequest))
	r.Get("/runs/{runID}", s.handleRun)
	return r
}

// Serve runs the HTTP server until the context is cancelled, then drains it.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		ctxlog.FromContext(ctx).Info("HTTP server listening.", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// eventPayload is the webhook body for both event kinds.
type eventPayload struct {
	Ref               string `json:"ref"`
	HeadCommitMessage string `json:"headCommitMessage"`
	Owner             string `json:"owner"`
	PRNumber          int    `json:"prNumber"`
}

func (s *Server) handleEvent(kind pipeline.EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload eventPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed event body"})
			return
		}
		ev := &pipeline.Event{
			Kind:              kind,
			Ref:               payload.Ref,
			HeadCommitMessage: payload.HeadCommitMessage,
			Owner:             payload.Owner,
			PRNumber:          payload.PRNumber,
		}
		if kind == pipeline.EventPullRequest && ev.PRNumber <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pull_request events need a positive prNumber"})
			return
		}

		run, err := s.manager.Submit(r.Context(), ev)
		if errors.Is(err, scheduler.ErrFiltered) {
			writeJSON(w, http.StatusOK, map[string]any{"filtered": true})
			return
		}
		if err != nil {
			ctxlog.FromContext(r.Context()).Error("Event submission failed.", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "submission failed"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"run": run.ID})
	}
}

// runView is the status document for one run.
type runView struct {
	ID        string                            `json:"id"`
	Workflow  string                            `json:"workflow"`
	Ref       string                            `json:"ref"`
	CreatedAt time.Time                         `json:"createdAt"`
	Finished  bool                              `json:"finished"`
	Gate      scheduler.Status                  `json:"gate"`
	Jobs      map[string]scheduler.Status       `json:"jobs"`
	Steps     map[string][]scheduler.StepResult `json:"steps,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	run, ok := s.manager.Run(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown run"})
		return
	}

	statuses := run.Statuses()
	steps := make(map[string][]scheduler.StepResult, len(statuses))
	for job := range statuses {
		if results := run.StepResults(job); len(results) > 0 {
			steps[job] = results
		}
	}
	writeJSON(w, http.StatusOK, runView{
		ID:        run.ID,
		Workflow:  run.Workflow,
		Ref:       run.Event.Ref,
		CreatedAt: run.CreatedAt,
		Finished:  run.Finished(),
		Gate:      run.GateStatus(),
		Jobs:      statuses,
		Steps:     steps,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
