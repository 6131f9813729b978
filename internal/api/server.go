// Package api serves the daemon's admin HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/muaviaUsmani/jobsync/internal/errors"
	"github.com/muaviaUsmani/jobsync/internal/logger"
	"github.com/muaviaUsmani/jobsync/internal/metrics"
	"github.com/muaviaUsmani/jobsync/internal/scheduler"
	"github.com/muaviaUsmani/jobsync/internal/store"
)

// Scheduler is the part of the reconciler the API drives
type Scheduler interface {
	ResyncAll(ctx context.Context) (int, error)
	Entries() []scheduler.TimerEntry
}

// StateReader returns a schedule's fire history
type StateReader interface {
	GetState(ctx context.Context, id string) (*store.FireState, error)
}

// ScheduleView is the JSON form of an installed timer
type ScheduleView struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Rule        string     `json:"rule"`
	NextFire    *time.Time `json:"next_fire,omitempty"`
	InstalledAt time.Time  `json:"installed_at"`
}

// StateView is the JSON form of a schedule's fire state
type StateView struct {
	LastFired   *time.Time `json:"last_fired,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	FireCount   int64      `json:"fire_count"`
}

// Server holds the admin handlers
type Server struct {
	sched   Scheduler
	state   StateReader
	metrics *metrics.Collector
	log     logger.Logger
}

// NewServer creates the admin API. state may be nil.
func NewServer(sched Scheduler, state StateReader, m *metrics.Collector, log logger.Logger) *Server {
	if m == nil {
		m = metrics.Default()
	}
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	return &Server{
		sched:   sched,
		state:   state,
		metrics: m,
		log:     log.WithComponent(logger.ComponentAPI),
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /schedules", s.handleListSchedules)
	mux.HandleFunc("GET /schedules/{id}", s.handleGetSchedule)
	mux.HandleFunc("POST /resync", s.handleResync)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	entries := s.sched.Entries()
	views := make([]ScheduleView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toView(e))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var found *scheduler.TimerEntry
	for _, e := range s.sched.Entries() {
		if e.ScheduleID == id {
			e := e
			found = &e
			break
		}
	}
	if found == nil {
		writeError(w, http.StatusNotFound, "schedule not installed")
		return
	}

	resp := struct {
		ScheduleView
		State *StateView `json:"state,omitempty"`
	}{ScheduleView: toView(*found)}

	if s.state != nil {
		st, err := s.state.GetState(r.Context(), id)
		if err != nil {
			s.log.Warn("Failed to read fire state", "schedule_id", id, "error", err)
		} else {
			resp.State = toStateView(st)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	n, err := s.sched.ResyncAll(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case apperrors.Is(err, apperrors.ErrConfiguration):
			status = http.StatusConflict
		case apperrors.Is(err, apperrors.ErrPersistence):
			status = http.StatusServiceUnavailable
		}
		s.log.Error("On-demand resync failed", "error", err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"installed": n})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.GetMetrics())
}

func toView(e scheduler.TimerEntry) ScheduleView {
	v := ScheduleView{
		ID:          e.ScheduleID,
		Kind:        string(e.Rule.Kind),
		Rule:        e.Rule.Expr(),
		InstalledAt: e.InstalledAt,
	}
	if !e.Next.IsZero() {
		next := e.Next.UTC()
		v.NextFire = &next
	}
	return v
}

func toStateView(st *store.FireState) *StateView {
	v := &StateView{LastError: st.LastError, FireCount: st.FireCount}
	if !st.LastFired.IsZero() {
		t := st.LastFired
		v.LastFired = &t
	}
	if !st.LastSuccess.IsZero() {
		t := st.LastSuccess
		v.LastSuccess = &t
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Ignore write error - nothing we can do if client disconnected
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
