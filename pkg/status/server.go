package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rs/cors"

	"github.com/manthysbr/easel/internal/core/services"
)

// Introspector is the read-only view of the dispatcher the API exposes.
type Introspector interface {
	Queues() []services.QueueStatus
	Workers() []services.WorkerStatus
}

// Config holds the server configuration.
type Config struct {
	Addr string
}

// Server serves the read-only introspection API: queue depths and head
// latencies, worker bindings, and the configured model list.
type Server struct {
	logger *slog.Logger
	server *http.Server
}

func NewServer(logger *slog.Logger, cfg Config, insp Introspector, models []string) *Server {
	s := &Server{logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /v1/queues", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, insp.Queues())
	})
	mux.HandleFunc("GET /v1/workers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, insp.Workers())
	})
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string][]string{"models": models})
	})

	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: cors.Default().Handler(mux),
	}
	return s
}

// Handler exposes the HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting status server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
