// Package admin serves the health and metrics endpoints for roles with
// no player-facing listener. The gateway exposes the same endpoints on
// its own mux and does not use this package.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server is a minimal HTTP listener with /health and /metrics.
type Server struct {
	srv       *http.Server
	log       zerolog.Logger
	role      string
	startedAt time.Time
}

// New builds the listener for the given role. addr may not be empty;
// callers skip construction entirely when no admin address is set.
func New(addr, role string, log zerolog.Logger) *Server {
	s := &Server{
		role:      role,
		log:       log,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is canceled, then shuts the listener down. A
// listen failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.srv.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		errCh <- err
	}()
	s.log.Info().Str("addr", s.srv.Addr).Msg("admin endpoints listening")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"role":   s.role,
		"uptime": time.Since(s.startedAt).Seconds(),
	})
}
