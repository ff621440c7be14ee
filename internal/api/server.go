// Package api serves the admin REST surface: daemon status, sweep history,
// captured logs, and manual sweep triggers. It is meant for the operator
// dashboard and wirebotctl, not for subscribers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wirebot-io/wirebot/internal/journal"
	"github.com/wirebot-io/wirebot/internal/logring"
)

// LogSource answers log queries without coupling to the ring directly.
type LogSource interface {
	Tail(n int) []logring.Entry
	Since(t time.Time, minLevel slog.Level) []logring.Entry
}

// SweepHistory is the journal surface the API reads.
type SweepHistory interface {
	RecentSweeps(kind string, limit int) ([]journal.Sweep, error)
	Outcomes(sweepID int64) ([]journal.Outcome, error)
}

// Status is the daemon snapshot returned by /api/status.
type Status struct {
	StartedAt       time.Time  `json:"started_at"`
	SessionFresh    bool       `json:"session_fresh"`
	SessionAge      string     `json:"session_age,omitempty"`
	DirectoryUsers  int        `json:"directory_users"`
	Connectors      []string   `json:"connectors,omitempty"`
	NextTicketSweep *time.Time `json:"next_ticket_sweep,omitempty"`
	NextWorklistRun *time.Time `json:"next_worklist_run,omitempty"`
}

// StatusFunc produces the current Status.
type StatusFunc func() Status

// TriggerFunc starts an unattended sweep of the given kind. It must not
// block; the API returns 202 as soon as the sweep is accepted.
type TriggerFunc func(kind string) error

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // Bearer auth key; empty disables auth
}

// Server is the wirebot admin API server.
type Server struct {
	cfg     Config
	history SweepHistory
	status  StatusFunc
	trigger TriggerFunc
	logs    LogSource
	logger  *slog.Logger
	srv     *http.Server
}

// NewServer builds the server. logs, status, and trigger may be nil; the
// matching endpoints then degrade gracefully.
func NewServer(cfg Config, history SweepHistory, status StatusFunc, trigger TriggerFunc, logs LogSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		history: history,
		status:  status,
		trigger: trigger,
		logs:    logs,
		logger:  logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("GET /api/sweeps", s.requireAuth(s.handleListSweeps))
	mux.HandleFunc("GET /api/sweeps/{id}/outcomes", s.requireAuth(s.handleOutcomes))
	mux.HandleFunc("POST /api/sweeps", s.requireAuth(s.handleTriggerSweep))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusOK, Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleListSweeps(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	sweeps, err := s.history.RecentSweeps(kind, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if sweeps == nil {
		sweeps = []journal.Sweep{}
	}
	writeJSON(w, http.StatusOK, sweeps)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid sweep id"})
		return
	}

	outcomes, err := s.history.Outcomes(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if outcomes == nil {
		outcomes = []journal.Outcome{}
	}
	writeJSON(w, http.StatusOK, outcomes)
}

type triggerRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handleTriggerSweep(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sweeps not wired"})
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	switch req.Kind {
	case journal.KindTicketSweep, journal.KindWorklist:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown sweep kind"})
		return
	}

	if err := s.trigger(req.Kind); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "kind": req.Kind})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logring.Entry{})
		return
	}

	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	minLevel := slog.LevelDebug
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		switch strings.ToLower(lvl) {
		case "info":
			minLevel = slog.LevelInfo
		case "warn":
			minLevel = slog.LevelWarn
		case "error":
			minLevel = slog.LevelError
		}
	}

	var entries []logring.Entry
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" || minLevel != slog.LevelDebug {
		var since time.Time
		if ms, err := strconv.ParseInt(sinceStr, 10, 64); err == nil && ms > 0 {
			since = time.UnixMilli(ms)
		}
		entries = s.logs.Since(since, minLevel)
		if limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	} else {
		entries = s.logs.Tail(limit)
	}
	if entries == nil {
		entries = []logring.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
