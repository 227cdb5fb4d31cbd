// Package api provides the local control server.
//
// It exposes a ping check, the processing gate state, the on/off toggle, and
// a status summary. The server binds to loopback only; nothing here is meant
// to face the network.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/nsokolov/pricebot/internal/gate"
	"github.com/nsokolov/pricebot/internal/models"
	"github.com/nsokolov/pricebot/internal/monitor"
	"github.com/nsokolov/pricebot/internal/store"
)

// DefaultAddr binds the control server to loopback only.
const DefaultAddr = "127.0.0.1:3001"

// Opts holds configuration options for the control server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the control server.
type Option func(*Opts)

// WithAddr overrides the listen address. Keep it on loopback.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server is the control API over the processing gate and runtime status.
type Server struct {
	gate      *gate.Gate
	health    *monitor.ConnectionHealth
	directory store.Directory
	opts      Opts

	httpServer *http.Server
}

// NewServer creates a control server. The health and directory collaborators
// may be nil; the status endpoint then omits their sections.
func NewServer(g *gate.Gate, health *monitor.ConnectionHealth, directory store.Directory, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{gate: g, health: health, directory: directory, opts: cfg}
}

// Handler builds the route table. Split out for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ping", s.pingHandler)
	mux.HandleFunc("/api/processing/state", s.stateHandler)
	mux.HandleFunc("/api/processing/toggle", s.toggleHandler)
	mux.HandleFunc("/api/status", s.statusHandler)
	mux.HandleFunc("/", s.notFoundHandler)
	return mux
}

// Start runs the control server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Start: shutdown failed", "error", err)
		}
	}()
	slog.Info("Server.Start: control API listening", "addr", s.opts.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) pingHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("pong", map[string]int64{
		"timestamp": time.Now().UnixMilli(),
	}))
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.gate.State()))
}

func (s *Server) toggleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.toggleHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		slog.Warn("Server.toggleHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Parameter \"enabled\" must be a boolean"))
		return
	}
	if body.Enabled == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Parameter \"enabled\" must be a boolean"))
		return
	}
	state := s.gate.SetEnabled(*body.Enabled)
	slog.Info("Server.toggleHandler: processing toggled", "enabled", state.Enabled)
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// statusHandler reports the gate, connection health, and directory counts in
// one place for operator checks.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := map[string]interface{}{
		"processing": s.gate.State(),
	}
	if s.health != nil {
		snap := s.health.Snapshot()
		status["connection"] = map[string]interface{}{
			"connected":       snap.Connected,
			"last_message_at": snap.LastMessageAt,
		}
	}
	if s.directory != nil {
		stats, err := s.directory.GetStats(r.Context())
		if err != nil {
			slog.Error("Server.statusHandler: directory stats failed", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read directory stats"))
			return
		}
		status["directory"] = stats
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusNotFound, models.Error("Endpoint not found"))
}
