// Package api is the JSON control surface: work-item producer endpoints,
// schedule CRUD, health and metrics.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"relayctl/internal/domain"
	"relayctl/internal/queue"
	"relayctl/internal/scheduler"
	"relayctl/internal/session"
)

// SessionInfo exposes the live link state for /metrics without coupling the
// API to the session manager's concrete type.
type SessionInfo interface {
	State() session.State
	Snapshot() session.Counters
}

type Server struct {
	r           *chi.Mux
	repo        queue.Repository
	sess        SessionInfo
	maxAttempts int // default for items submitted without one
}

func NewServer(repo queue.Repository, sess SessionInfo, defaultMaxAttempts int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, sess: sess, maxAttempts: defaultMaxAttempts}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/items", s.submitItem)
	r.Get("/api/items", s.listItems)
	r.Get("/api/items/{id}", s.getItem)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	c := s.sess.Snapshot()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "relayctl_up 1\n")
	fmt.Fprintf(w, "relayctl_session_state{state=%q} 1\n", s.sess.State())
	fmt.Fprintf(w, "relayctl_commands_sent_total %d\n", c.Sent)
	fmt.Fprintf(w, "relayctl_commands_ok_total %d\n", c.OK)
	fmt.Fprintf(w, "relayctl_commands_error_total %d\n", c.Errors)
	fmt.Fprintf(w, "relayctl_commands_timeout_total %d\n", c.Timeouts)
	fmt.Fprintf(w, "relayctl_reconnects_total %d\n", c.Reconnects)
}

type submitReq struct {
	Name        string `json:"name"`
	MaxAttempts int    `json:"max_attempts"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitItem(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.maxAttempts
	}
	id, err := s.repo.Enqueue(r.Context(), domain.WorkItem{
		Name:        req.Name,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, itemJSON(item))
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.repo.ListRecent(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, itemJSON(item))
	}
	writeJSON(w, 200, out)
}

func itemJSON(item domain.WorkItem) map[string]any {
	m := map[string]any{
		"id":           item.ID,
		"name":         item.Name,
		"state":        item.State,
		"attempts":     item.Attempts,
		"max_attempts": item.MaxAttempts,
		"created_at":   item.CreatedAt.Format(time.RFC3339),
	}
	if item.ProcessedAt != nil {
		m["processed_at"] = item.ProcessedAt.Format(time.RFC3339)
	}
	return m
}

type createScheduleReq struct {
	Name       string `json:"name"`
	CronExpr   string `json:"cron_expr"`
	NamePrefix string `json:"name_prefix"`
	Enabled    bool   `json:"enabled"`
}

type createScheduleResp struct {
	ID string `json:"id"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", 400)
		return
	}
	if req.NamePrefix == "" {
		http.Error(w, "name_prefix is required", 400)
		return
	}
	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}

	id, err := s.repo.CreateSchedule(r.Context(), domain.Schedule{
		Name:       req.Name,
		CronExpr:   req.CronExpr,
		NamePrefix: req.NamePrefix,
		Enabled:    req.Enabled,
		NextRun:    nextRun,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, createScheduleResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.repo.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.DeleteSchedule(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
