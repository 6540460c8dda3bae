// Package web serves the recorder's status endpoints.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jnesss/pgfault-recorder/collector"
)

const shutdownTimeout = 5 * time.Second

// StatsProvider reports the pipeline counters.
type StatsProvider interface {
	Snapshot() (collector.Stats, error)
}

type Server struct {
	stats      StatsProvider
	gatherer   prometheus.Gatherer
	listenAddr string
	logger     *zap.Logger
}

func NewServer(stats StatsProvider, gatherer prometheus.Gatherer, listenAddr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		stats:      stats,
		gatherer:   gatherer,
		listenAddr: listenAddr,
		logger:     logger.Named("web"),
	}
}

// Handler returns the routes served by Start.
func (s *Server) Handler() http.Handler {
	// Debug handler that wraps other handlers and logs request details
	debugHandler := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.logger.Debug("Request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
			h.ServeHTTP(w, r)
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", debugHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	mux.Handle("/api/stats", debugHandler(http.HandlerFunc(s.handleStats)))
	mux.Handle("/healthz", debugHandler(http.HandlerFunc(s.handleHealth)))
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting status server", zap.String("address", ln.Addr().String()))

	// Graceful shutdown goroutine
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", zap.Error(err))
		}
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.stats.Snapshot()
	if err != nil {
		s.logger.Warn("Failed to read stats", zap.Error(err))
		http.Error(w, "Failed to read stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Warn("Failed to encode stats", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}
