// Package ingest is the HTTP surface of the service: event submission,
// action inspection and schedule management. Payload interpretation is
// deferred to the dispatch handlers; this layer only validates the
// envelope.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"botflow/internal/clock"
	"botflow/internal/domain"
	"botflow/internal/scheduler"
	"botflow/internal/store"
)

// Scheduler is the slice of the scheduler core the endpoint needs.
type Scheduler interface {
	Schedule(ctx context.Context, a domain.Action) (string, error)
	ScheduleRecurring(ctx context.Context, s domain.Schedule) (string, error)
	ResumeSchedule(ctx context.Context, s domain.Schedule) error
	Cancel(ctx context.Context, id string) bool
	CancelBySchedule(ctx context.Context, scheduleID string) int
	DispatchNow(ctx context.Context, a domain.Action) (string, error)
	PendingCount() int
}

// maxAttemptsCap bounds the per-event retry budget a client may request.
const maxAttemptsCap = 20

type Options struct {
	MaxBodyBytes int64
	DedupWindow  time.Duration
	MaxAttempts  int
	RatePerSec   int
	RateBurst    int
}

type Server struct {
	r    *chi.Mux
	repo store.Repository
	core Scheduler
	clk  clock.Clock
	opts Options
}

func NewServer(repo store.Repository, core Scheduler, clk clock.Clock, opts Options) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 10
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 10 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, core: core, clk: clk, opts: opts}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Group(func(r chi.Router) {
		if opts.RatePerSec > 0 {
			r.Use(RateLimit(opts.RatePerSec, opts.RateBurst))
		}
		r.Post("/api/events", s.ingestEvent)
	})

	r.Get("/api/actions/{id}", s.getAction)
	r.Post("/api/actions/{id}/cancel", s.cancelAction)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "botflow_up 1\nbotflow_pending_actions %d\n", s.core.PendingCount())
}

type eventReq struct {
	EventID     string          `json:"event_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	DueAt       *time.Time      `json:"due_at,omitempty"`
	Cron        string          `json:"cron,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

type eventResp struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ingestEvent consumes one inbound event: a duplicate is suppressed, a
// cron hint becomes a recurring schedule, a due-time hint becomes a
// one-shot action, and anything else is dispatched immediately (queued
// due-now when all worker slots are busy).
func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)

	var req eventReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "malformed event: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		http.Error(w, "kind is required", http.StatusBadRequest)
		return
	}
	if req.DueAt != nil && req.Cron != "" {
		http.Error(w, "due_at and cron are mutually exclusive", http.StatusBadRequest)
		return
	}
	if req.Cron != "" {
		if err := scheduler.ValidateCronExpression(req.Cron); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	req.MaxAttempts = s.clampAttempts(req.MaxAttempts)

	ctx := r.Context()

	// Duplicate delivery within the window: acknowledge with the original
	// id, no side effects.
	var dedup *string
	if req.EventID != "" {
		since := s.clk.Now().Add(-s.opts.DedupWindow)
		if id, err := s.repo.FindByDedupKey(ctx, req.EventID, since); err == nil {
			writeJSON(w, http.StatusAccepted, eventResp{ID: id, Duplicate: true})
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		key := req.EventID
		dedup = &key
	}

	if req.Cron != "" {
		id, err := s.core.ScheduleRecurring(ctx, domain.Schedule{
			Name:        req.EventID,
			CronExpr:    req.Cron,
			Kind:        req.Kind,
			Payload:     req.Payload,
			MaxAttempts: req.MaxAttempts,
			Enabled:     true,
			DedupKey:    dedup,
		})
		if err != nil {
			s.ingestError(ctx, w, dedup, err)
			return
		}
		writeJSON(w, http.StatusAccepted, eventResp{ID: id})
		return
	}

	a := domain.Action{
		Kind:        req.Kind,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
		DedupKey:    dedup,
	}

	var id string
	var err error
	if req.DueAt != nil {
		a.DueAt = *req.DueAt
		id, err = s.core.Schedule(ctx, a)
	} else {
		id, err = s.core.DispatchNow(ctx, a)
	}
	if err != nil {
		s.ingestError(ctx, w, dedup, err)
		return
	}
	writeJSON(w, http.StatusAccepted, eventResp{ID: id})
}

// ingestError resolves an insert that lost the dedup race to the earlier
// submission; every other failure is a 500. The lookup here ignores the
// window: the unique index just told us the key is still held.
func (s *Server) ingestError(ctx context.Context, w http.ResponseWriter, dedup *string, err error) {
	if dedup != nil && store.IsDuplicateKey(err) {
		if id, lerr := s.repo.FindByDedupKey(ctx, *dedup, time.Time{}); lerr == nil {
			writeJSON(w, http.StatusAccepted, eventResp{ID: id, Duplicate: true})
			return
		}
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// clampAttempts bounds client-supplied retry budgets.
func (s *Server) clampAttempts(n int) int {
	if n <= 0 {
		return s.opts.MaxAttempts
	}
	if n > maxAttemptsCap {
		return maxAttemptsCap
	}
	return n
}

func (s *Server) getAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.repo.GetAction(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           a.ID,
		"kind":         a.Kind,
		"state":        a.State,
		"attempts":     a.Attempts,
		"max_attempts": a.MaxAttempts,
		"due_at":       a.DueAt.In(s.clk.Location()).Format(time.RFC3339),
		"last_error":   a.LastError,
		"schedule_id":  a.ScheduleID,
	})
}

type cancelResp struct {
	Canceled bool `json:"canceled"`
}

func (s *Server) cancelAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, cancelResp{Canceled: s.core.Cancel(r.Context(), id)})
}

// scheduleReq doubles as the create and partial-update body; a nil Enabled
// on update leaves the stored flag alone.
type scheduleReq struct {
	Name        string          `json:"name"`
	CronExpr    string          `json:"cron_expr"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
	Enabled     *bool           `json:"enabled"`
}

type scheduleResp struct {
	ID string `json:"id"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		http.Error(w, "kind is required", http.StatusBadRequest)
		return
	}
	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), http.StatusBadRequest)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	id, err := s.core.ScheduleRecurring(r.Context(), domain.Schedule{
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		Kind:        req.Kind,
		Payload:     req.Payload,
		MaxAttempts: s.clampAttempts(req.MaxAttempts),
		Enabled:     enabled,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.repo.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sched, err := s.repo.GetSchedule(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sched, err := s.repo.GetSchedule(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	wasEnabled := sched.Enabled

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name != "" {
		sched.Name = req.Name
	}
	if req.CronExpr != "" {
		if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), http.StatusBadRequest)
			return
		}
		sched.CronExpr = req.CronExpr
		nextDue, err := scheduler.NextRunTime(req.CronExpr, s.clk.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sched.NextDue = nextDue
	}
	if req.Kind != "" {
		sched.Kind = req.Kind
	}
	if req.Payload != nil {
		sched.Payload = req.Payload
	}
	if req.MaxAttempts > 0 {
		sched.MaxAttempts = s.clampAttempts(req.MaxAttempts)
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}

	if err := s.repo.UpdateSchedule(r.Context(), sched); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !wasEnabled && sched.Enabled {
		if err := s.core.ResumeSchedule(r.Context(), sched); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.core.CancelBySchedule(r.Context(), id)
	if err := s.repo.DeleteSchedule(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
