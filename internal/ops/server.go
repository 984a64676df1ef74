// Package ops is the small HTTP surface an ingest run exposes when started
// with --listen: a health probe and a live job progress snapshot.
package ops

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"databento-ingest/internal/pipeline"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProgressSource serves the live job view. Satisfied by *pipeline.Progress.
type ProgressSource interface {
	Snapshot() []pipeline.JobProgress
}

type Server struct {
	repo       Pinger
	progress   ProgressSource
	httpServer *http.Server
}

func NewServer(repo Pinger, progress ProgressSource, addr string) *Server {
	r := mux.NewRouter()
	s := &Server{repo: repo, progress: progress}

	r.Use(jsonMiddleware)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/progress", s.handleProgress).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Printf("[ops] listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exists for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	var dbErr string
	if s.repo != nil {
		if err := s.repo.Ping(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
			dbErr = err.Error()
		}
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"status":   status,
		"database": dbErr,
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	snap := s.progress.Snapshot()
	json.NewEncoder(w).Encode(map[string]any{
		"jobs": snap,
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
