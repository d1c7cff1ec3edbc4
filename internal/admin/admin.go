// Package admin runs the side HTTP server that exposes Prometheus metrics
// and a health check. It is entirely separate from the proxy's own
// HTTP/1.0 wire protocol: clients of the forward proxy never reach it, and
// it never touches the cache or upstream packages directly beyond reading
// a stats snapshot for gauge reporting.
package admin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mochestra/forwardcache/internal/cache"
	"github.com/mochestra/forwardcache/internal/config"
	"github.com/mochestra/forwardcache/internal/metrics"
	"github.com/mochestra/forwardcache/internal/middleware"
)

// Server wraps an *http.Server with the admin surface's middleware chain,
// following the same composition-over-inheritance shape the proxy's own
// server used.
type Server struct {
	httpServer *http.Server
}

// NewServer builds the admin HTTP server: /metrics and /healthz, wrapped by
// a per-IP token-bucket rate limiter and request-counting middleware.
func NewServer(cfg config.AdminConfig, rateLimitCfg config.RateLimitConfig, store *cache.Cache, m *metrics.Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler(store, m))
	mux.HandleFunc("/healthz", healthzHandler)

	chain := []middleware.Middleware{
		middleware.NewRateLimiter(rateLimitCfg),
		middleware.NewMetrics(),
	}

	var handler http.Handler = mux
	for i := len(chain) - 1; i >= 0; i-- {
		handler = chain[i].Wrap(handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:    cfg.Addr,
			Handler: handler,
		},
	}
}

// Start begins serving the admin surface; it blocks until the server stops
// or errors.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// metricsHandler refreshes the cache-occupancy gauges from a live snapshot
// right before delegating to promhttp, so /metrics scrapes always reflect
// current cache state rather than whatever the last worker happened to
// report.
func metricsHandler(store *cache.Cache, m *metrics.Metrics) http.Handler {
	inner := m.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := store.Stats()
		m.SetCacheOccupancy(stats.Entries, stats.BytesUsed)
		inner.ServeHTTP(w, r)
	})
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
