// Package server assembles the authority-facing HTTP surface: the JSON
// session protocol the assignment authority speaks, plus health and
// metrics endpoints. Users never talk to this API; only the authority
// does, behind HTTP Basic credentials.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/remlab/remlab/pkg/health"
	remhttp "github.com/remlab/remlab/pkg/http"
	"github.com/remlab/remlab/pkg/lab"
	"github.com/remlab/remlab/pkg/metrics"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Server serves the authority protocol for one Lab.
type Server struct {
	lab     *lab.Lab
	cfg     lab.ServerConfig
	checker *health.Checker
	log     *slog.Logger
}

// New creates a Server. checker provides the health endpoints.
func New(l *lab.Lab, cfg lab.ServerConfig, checker *health.Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{lab: l, cfg: cfg, checker: checker, log: logger.With("component", "server")}
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	authed := remhttp.BasicAuth(s.cfg.Username, s.cfg.Password)
	mux.Handle("POST /sessions/", authed(http.HandlerFunc(s.handleStart)))
	mux.Handle("GET /sessions/{id}/status", authed(http.HandlerFunc(s.handleStatus)))
	mux.Handle("POST /sessions/{id}", authed(http.HandlerFunc(s.handleAction)))

	mux.HandleFunc("GET /healthz", s.checker.LivenessHandler())
	mux.HandleFunc("GET /readyz", s.checker.ReadinessHandler())
	if s.cfg.Metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	return remhttp.RequestLogging(s.log)(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "address", s.cfg.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}

// startRequest is the authority's session start payload. Durations are
// in seconds, matching how assignment authorities express slot lengths.
type startRequest struct {
	Username        string         `json:"username"`
	UsernameUnique  string         `json:"username_unique"`
	BackURL         string         `json:"back_url"`
	Locale          string         `json:"locale,omitempty"`
	DurationSeconds float64        `json:"assigned_duration_seconds"`
	ClientData      map[string]any `json:"client_data,omitempty"`
	ServerData      map[string]any `json:"server_data,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.DurationSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "username and assigned_duration_seconds are required")
		return
	}

	resp, err := s.lab.StartSession(r.Context(), lab.StartRequest{
		Username:         req.Username,
		UsernameUnique:   req.UsernameUnique,
		BackURL:          req.BackURL,
		Locale:           req.Locale,
		AssignedDuration: time.Duration(req.DurationSeconds * float64(time.Second)),
		ClientData:       req.ClientData,
		ServerData:       req.ServerData,
	})
	switch {
	case errors.Is(err, lab.ErrLabBusy):
		writeError(w, http.StatusConflict, "laboratory busy")
		return
	case err != nil:
		s.log.Error("start session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// statusResponse mirrors lab.SessionStatus with the duration in seconds.
type statusResponse struct {
	Active          bool    `json:"active"`
	TimeLeftSeconds float64 `json:"time_left_seconds"`
	ShouldFinish    bool    `json:"should_finish"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.lab.SessionStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.log.Error("session status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Active:          st.Active,
		TimeLeftSeconds: st.TimeLeft.Seconds(),
		ShouldFinish:    st.ShouldFinish,
	})
}

// actionRequest selects the operation on an existing session.
type actionRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := r.PathValue("id")
	switch req.Action {
	case "delete":
		res, err := s.lab.DisposeSession(r.Context(), id)
		if err != nil {
			s.log.Error("dispose session failed", "session", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
