// Package api exposes the producer and operational HTTP surface: enqueue,
// job inspection and cancellation, ledger reservation, queue stats, and a
// manual sweep trigger for cron-equivalent schedulers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"reliability-core/internal/ledger"
	"reliability-core/internal/models"
	"reliability-core/internal/queue"
	"reliability-core/internal/sweeper"
	"reliability-core/internal/telemetry"
)

// JobService is the queue contract the API consumes.
type JobService interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (models.Job, error)
	Get(ctx context.Context, id string) (models.Job, error)
	Cancel(ctx context.Context, id string) (models.Job, error)
	ReportProgress(ctx context.Context, id string, percent int) error
	Stats(ctx context.Context, typeFilter string) (map[models.Status]int64, error)
}

// EventLedger is the ledger contract the API consumes.
type EventLedger interface {
	CheckAndReserve(ctx context.Context, eventID, eventType string) (models.IdempotencyRecord, bool, error)
	RecordOutcome(ctx context.Context, eventID, eventType string, status models.Outcome, errorMessage *string) (models.IdempotencyRecord, error)
	Get(ctx context.Context, eventID string) (models.IdempotencyRecord, error)
}

// Maintenance triggers one sweep pass.
type Maintenance interface {
	Run(ctx context.Context) (sweeper.Report, error)
}

// Limiter throttles enqueue traffic per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenantID string) (bool, error)
}

// Server wires HTTP handlers for producers, workers, and operators.
type Server struct {
	jobs        JobService
	events      EventLedger
	maintenance Maintenance
	limiter     Limiter
	log         zerolog.Logger
}

func New(jobs JobService, events EventLedger, maintenance Maintenance, limiter Limiter, log zerolog.Logger) *Server {
	return &Server{
		jobs:        jobs,
		events:      events,
		maintenance: maintenance,
		limiter:     limiter,
		log:         log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/progress", s.handleProgress)
	r.Get("/stats", s.handleStats)

	r.Post("/events/{id}/claim", s.handleEventClaim)
	r.Post("/events/{id}/outcome", s.handleEventOutcome)
	r.Get("/events/{id}", s.handleGetEvent)

	r.Post("/maintenance/sweep", s.handleSweep)
	return r
}

type enqueueRequest struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     string          `json:"priority"`
	MaxRetries   *int            `json:"max_retries"`
	TimeoutMS    int64           `json:"timeout_ms"`
	ScheduledFor *time.Time      `json:"scheduled_for"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Type == "" {
		httpError(w, http.StatusBadRequest, "type is required")
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			httpError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, err := s.jobs.Enqueue(r.Context(), queue.EnqueueParams{
		Type:         req.Type,
		Payload:      req.Payload,
		Priority:     priority,
		MaxRetries:   req.MaxRetries,
		Timeout:      time.Duration(req.TimeoutMS) * time.Millisecond,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	telemetry.JobsEnqueued.Inc()
	s.log.Info().Str("job_id", job.ID).Str("type", job.Type).Str("tenant", tenant).Msg("job enqueued")
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type progressRequest struct {
	Percent int `json:"percent"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.jobs.ReportProgress(r.Context(), chi.URLParam(r, "id"), req.Percent); err != nil {
		if errors.Is(err, queue.ErrInvalidProgress) {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobs.Stats(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

type eventRequest struct {
	EventType    string  `json:"event_type"`
	Status       string  `json:"status"`
	ErrorMessage *string `json:"error_message"`
}

type eventClaimResponse struct {
	Record   models.IdempotencyRecord `json:"record"`
	Reserved bool                     `json:"reserved"`
}

func (s *Server) handleEventClaim(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rec, reserved, err := s.events.CheckAndReserve(r.Context(), chi.URLParam(r, "id"), req.EventType)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !reserved {
		telemetry.LedgerDuplicates.Inc()
	}
	writeJSON(w, http.StatusOK, eventClaimResponse{Record: rec, Reserved: reserved})
}

func (s *Server) handleEventOutcome(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rec, err := s.events.RecordOutcome(r.Context(), chi.URLParam(r, "id"), req.EventType, models.Outcome(req.Status), req.ErrorMessage)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.events.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			httpError(w, http.StatusNotFound, err.Error())
			return
		}
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.maintenance.Run(r.Context())
	if err != nil {
		// Partial deletion is acceptable; report what was removed.
		s.log.Error().Err(err).Msg("sweep finished with errors")
	}
	writeJSON(w, http.StatusOK, report)
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		httpError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrInvalidTransition):
		httpError(w, http.StatusConflict, err.Error())
	default:
		httpError(w, http.StatusInternalServerError, err.Error())
	}
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
