package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/genpipe/internal/coordinator"
	"github.com/loqalabs/genpipe/internal/eventstore"
	"github.com/loqalabs/genpipe/internal/job"
	"github.com/loqalabs/genpipe/internal/pipeline"
)

const (
	defaultEventLimit = 100
	maxWait           = 5 * time.Minute
)

type api struct {
	coord    *coordinator.Coordinator
	pipeline *pipeline.Service
	store    *eventstore.Store
	metrics  http.Handler
	ready    func() bool
	logger   *slog.Logger
}

type outcomeView struct {
	JobID    string `json:"job_id"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Payload  []byte `json:"payload,omitempty"`
	Error    string `json:"error,omitempty"`
}

type speakRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics)
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", a.listJobs)
		r.Post("/", a.submitJob)
		r.Get("/{id}", a.getJob)
		r.Delete("/{id}", a.cancelJob)
		r.Get("/{id}/events", a.jobEvents)
	})

	if a.pipeline != nil {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", a.listSessions)
			r.Get("/{id}/playback", a.sessionPlayback)
			r.Post("/{id}/speak", a.speak)
			r.Post("/{id}/interrupt", a.interrupt)
			r.Get("/{id}/events", a.sessionEvents)
		})
	}
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready == nil || a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	kind := job.Kind(r.URL.Query().Get("kind"))
	status := job.Status(r.URL.Query().Get("status"))
	out := []job.Snapshot{}
	for _, snap := range a.coord.Registry().List() {
		if kind != "" && snap.Kind != kind {
			continue
		}
		if status != "" && snap.Status != status {
			continue
		}
		out = append(out, snap)
	}
	live, retained := a.coord.Registry().Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":     out,
		"live":     live,
		"retained": retained,
	})
}

// submitJob starts a job. With ?wait=true the request blocks until the job
// settles and returns its outcome.
func (a *api) submitJob(w http.ResponseWriter, r *http.Request) {
	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := a.coord.Submit(r.Context(), req)
	if err != nil {
		a.writeJobError(w, err)
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), maxWait)
	defer cancel()
	o, err := a.coord.Wait(ctx, id)
	if err != nil {
		a.writeJobError(w, err)
		return
	}
	view := outcomeView{
		JobID:    o.JobID,
		Kind:     string(o.Kind),
		Status:   string(o.Status),
		Attempts: o.Attempts,
		Payload:  o.Payload,
	}
	if o.Err != nil {
		view.Error = o.Err.Error()
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	snap, err := a.coord.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		a.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *api) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := a.coord.Cancel(chi.URLParam(r, "id")); err != nil {
		a.writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) jobEvents(w http.ResponseWriter, r *http.Request) {
	a.writeEvents(w, r, func(ctx context.Context, limit int) ([]eventstore.Event, error) {
		return a.store.ListJobEvents(ctx, chi.URLParam(r, "id"), limit)
	})
}

func (a *api) sessionEvents(w http.ResponseWriter, r *http.Request) {
	a.writeEvents(w, r, func(ctx context.Context, limit int) ([]eventstore.Event, error) {
		return a.store.ListSessionEvents(ctx, chi.URLParam(r, "id"), limit)
	})
}

func (a *api) writeEvents(w http.ResponseWriter, r *http.Request, list func(context.Context, int) ([]eventstore.Event, error)) {
	if a.store == nil {
		writeJSON(w, http.StatusOK, []eventstore.Event{})
		return
	}
	events, err := list(r.Context(), queryInt(r, "limit", defaultEventLimit))
	if err != nil {
		a.writeJobError(w, err)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *api) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.pipeline.Sessions())
}

func (a *api) sessionPlayback(w http.ResponseWriter, r *http.Request) {
	st, ok := a.pipeline.Playback(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) speak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n := a.pipeline.Speak(chi.URLParam(r, "id"), req.Text, req.Voice)
	writeJSON(w, http.StatusAccepted, map[string]int{"segments": n})
}

func (a *api) interrupt(w http.ResponseWriter, r *http.Request) {
	if !a.pipeline.Interrupt(chi.URLParam(r, "id")) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, job.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, job.ErrAlreadyAwaited):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, coordinator.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		a.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
