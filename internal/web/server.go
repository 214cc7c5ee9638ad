// Package web serves the daemon's read-only HTTP endpoint: Prometheus
// metrics and a small JSON API.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/user/netdiag/internal/metrics"
	"github.com/user/netdiag/internal/util"
)

// Server is the HTTP endpoint.
type Server struct {
	addr     string
	handlers *Handlers
	gatherer prometheus.Gatherer
	srv      *http.Server
}

// NewServer creates a server on addr. A nil gatherer serves the default registry.
func NewServer(addr string, src Source, gatherer prometheus.Gatherer) *Server {
	return &Server{
		addr:     addr,
		handlers: NewHandlers(src),
		gatherer: gatherer,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", metrics.Handler(s.gatherer))
	mux.HandleFunc("/api/status", s.handlers.APIGetStatus)
	mux.HandleFunc("/api/jobs", s.handlers.APIGetJobs)
	mux.HandleFunc("/api/monitor", s.handlers.APIGetMonitor)
	mux.HandleFunc("/api/history", s.handlers.APIGetHistory)
	mux.HandleFunc("/api/alerts", s.handlers.APIGetAlerts)

	return mux
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	util.Info("HTTP endpoint listening on %s", ln.Addr())

	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
