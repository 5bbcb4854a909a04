package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"automation-scheduler/internal/command"
	"automation-scheduler/internal/dispatch"
	"automation-scheduler/internal/models"
	"automation-scheduler/internal/ratelimit"
	"automation-scheduler/internal/store"
	"automation-scheduler/internal/telemetry"
)

// Server wires the HTTP surface: the command operations, read endpoints, and
// the provider callback entry point.
type Server struct {
	commands   *command.Service
	dispatcher *dispatch.Dispatcher
	store      store.Store
	limiter    *ratelimit.TokenBucket
}

func New(cmds *command.Service, disp *dispatch.Dispatcher, st store.Store, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		commands:   cmds,
		dispatcher: disp,
		store:      st,
		limiter:    limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/intents", s.withLimit(s.handleCreateIntent))
	r.Post("/schedules", s.withLimit(s.handleCreateSchedule))
	r.Get("/schedules/{id}", s.handleGetSchedule)
	r.Patch("/schedules/{id}", s.withLimit(s.handleUpdateSchedule))
	r.Post("/schedules/{id}/pause", s.withLimit(s.handlePause))
	r.Post("/schedules/{id}/resume", s.withLimit(s.handleResume))
	r.Post("/schedules/{id}/cancel", s.withLimit(s.handleCancel))
	r.Post("/schedules/{id}/archive", s.withLimit(s.handleArchive))
	r.Post("/schedules/{id}/run-now", s.withLimit(s.handleRunNow))
	r.Get("/schedules/{id}/executions", s.handleListExecutions)
	r.Get("/schedules/{id}/evaluations", s.handleListEvaluations)

	r.Post("/callbacks", s.handleCallback)
	return r
}

// withLimit applies the per-actor token bucket to mutating operations.
func (s *Server) withLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(r.Context(), actorFromRequest(r).ActorID)
			if err != nil {
				http.Error(w, "rate limit error", http.StatusInternalServerError)
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
		}
		next(w, r)
	}
}

type createIntentRequest struct {
	Summary         string  `json:"summary"`
	Details         *string `json:"details"`
	OriginReference *string `json:"origin_reference"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	intent, err := s.commands.CreateIntent(r.Context(), command.CreateIntentParams{
		Summary:         req.Summary,
		Details:         req.Details,
		OriginReference: req.OriginReference,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

type createScheduleRequest struct {
	TaskIntentID string              `json:"task_intent_id"`
	ScheduleType models.ScheduleType `json:"schedule_type"`
	Definition   models.Definition   `json:"definition"`
	Timezone     string              `json:"timezone"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	sched, err := s.commands.CreateSchedule(r.Context(), command.CreateScheduleParams{
		TaskIntentID: req.TaskIntentID,
		Type:         req.ScheduleType,
		Definition:   req.Definition,
		Timezone:     req.Timezone,
	}, actorFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

type updateScheduleRequest struct {
	Definition *models.Definition `json:"definition"`
	Timezone   *string            `json:"timezone"`
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req updateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	sched, err := s.commands.UpdateSchedule(r.Context(), chi.URLParam(r, "id"), command.UpdateScheduleParams{
		Definition: req.Definition,
		Timezone:   req.Timezone,
	}, actorFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.commands.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.commands.Resume)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.commands.Cancel)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.commands.Archive)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string, actor models.ActorContext) (models.Schedule, error)) {
	sched, err := op(r.Context(), chi.URLParam(r, "id"), actorFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	exec, err := s.commands.RunNow(r.Context(), chi.URLParam(r, "id"), actorFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.store.ListExecutions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	evals, err := s.store.ListPredicateAudits(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evaluations": evals})
}

// handleCallback is the HTTP entry point for backends delivering triggers
// out of process.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var cb models.CallbackPayload
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if cb.CallbackID == "" || cb.ScheduleID == "" || cb.ScheduledFor.IsZero() {
		http.Error(w, "callback_id, schedule_id and scheduled_for are required", http.StatusBadRequest)
		return
	}
	if cb.EmittedAt.IsZero() {
		cb.EmittedAt = time.Now().UTC()
	}
	exec, err := s.dispatcher.Dispatch(r.Context(), cb)
	if err != nil {
		writeError(w, err)
		return
	}
	if exec == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"suppressed": true})
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func actorFromRequest(r *http.Request) models.ActorContext {
	actorID := r.Header.Get("X-Actor-ID")
	if actorID == "" {
		actorID = "anonymous"
	}
	channel := r.Header.Get("X-Channel")
	if channel == "" {
		channel = "api"
	}
	return models.ActorContext{
		ActorType:      "user",
		ActorID:        actorID,
		Channel:        channel,
		PrivilegeLevel: "standard",
		AutonomyLevel:  "interactive",
		TraceID:        r.Header.Get("X-Trace-ID"),
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case models.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrTerminalState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrDriftExceeded):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
