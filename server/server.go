// Package server exposes the HTTP control surface: start/stop/status
// for the acquisition engine, run history, and liveness checks for the
// process and the browser connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/suwatbch/tbserver/engine"
	"github.com/suwatbch/tbserver/store"
)

// BrowserChecker reports whether the browser connection is alive.
type BrowserChecker interface {
	Ping(ctx context.Context) error
}

// History reads run history. Implemented by store.Store; nil disables
// the /runs endpoints.
type History interface {
	RecentRuns(ctx context.Context, limit int) ([]store.Run, error)
	RunReservations(ctx context.Context, runID int64) ([]store.Reservation, error)
}

// Config tunes the HTTP layer.
type Config struct {
	// AuthUser/AuthHash enable basic auth on the mutating routes when
	// both are set. AuthHash is a bcrypt hash, sourced from the
	// environment, never from a config file.
	AuthUser string
	AuthHash []byte

	// MaxBody limits request body size. Default: 64 KiB.
	MaxBody int64

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxBody <= 0 {
		c.MaxBody = 64 << 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New builds the router.
func New(eng *engine.Engine, browser BrowserChecker, hist History, cfg Config) http.Handler {
	cfg.defaults()
	s := &server{eng: eng, browser: browser, hist: hist, cfg: cfg}

	r := chi.NewRouter()
	r.Use(securityHeaders)
	r.Use(maxBody(cfg.MaxBody))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Get("/check-browser", s.handleCheckBrowser)
	r.Get("/runs", s.handleRuns)
	r.Get("/runs/{id}/reservations", s.handleRunReservations)

	r.Group(func(r chi.Router) {
		if len(cfg.AuthHash) > 0 {
			r.Use(basicAuth(cfg.AuthUser, cfg.AuthHash))
		}
		r.Post("/start", s.handleStart)
		// The stop route answers GET too so a run can be stopped from a
		// plain browser address bar.
		r.Post("/stop", s.handleStop)
		r.Get("/stop", s.handleStop)
	})
	return r
}

type server struct {
	eng     *engine.Engine
	browser BrowserChecker
	hist    History
	cfg     Config
}

func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	var params engine.StartParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid_input", "detail": err.Error(),
		})
		return
	}
	switch err := s.eng.Start(params); {
	case errors.Is(err, engine.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid_input", "detail": err.Error(),
		})
	case errors.Is(err, engine.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already_running"})
	case err != nil:
		s.cfg.Logger.Error("server: start", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
	}
}

func (s *server) handleStop(w http.ResponseWriter, r *http.Request) {
	switch err := s.eng.Stop(); {
	case errors.Is(err, engine.ErrNotRunning):
		// Stopping a stopped engine is not an error for callers.
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_stopped"})
	case err != nil:
		s.cfg.Logger.Error("server: stop", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
	}
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Status())
}

func (s *server) handleCheckBrowser(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.browser.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unreachable", "detail": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "history_disabled"})
		return
	}
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_limit"})
			return
		}
		limit = n
	}
	runs, err := s.hist.RecentRuns(r.Context(), limit)
	if err != nil {
		s.cfg.Logger.Error("server: runs", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *server) handleRunReservations(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "history_disabled"})
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_run_id"})
		return
	}
	res, err := s.hist.RunReservations(r.Context(), id)
	if err != nil {
		s.cfg.Logger.Error("server: run reservations", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if res == nil {
		res = []store.Reservation{}
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
