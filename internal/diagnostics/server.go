// Package diagnostics exposes a small HTTP server with liveness,
// readiness, pool-stats, and Prometheus-metrics routes for the
// mysqlwire-cli binary, trimmed from the donor's multi-tenant REST API
// down to the single-pool, read-only routes a client-library process
// actually needs.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mysqlwire/mysqlwire/config"
	"github.com/mysqlwire/mysqlwire/metrics"
	"github.com/mysqlwire/mysqlwire/pool"
)

// Server is the diagnostics HTTP server for one ConnPool.
type Server struct {
	pool       *pool.ConnPool
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
	listenCfg  config.ListenConfig
}

// NewServer creates a diagnostics server over p, registering m's metrics
// (if non-nil) at /metrics.
func NewServer(p *pool.ConnPool, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		pool:      p,
		metrics:   m,
		startTime: time.Now(),
		listenCfg: lc,
	}
}

// Start starts the HTTP server in the background.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.HandleFunc("/readyz", s.readyzHandler).Methods("GET")
	r.HandleFunc("/stats", s.statsHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	addr := fmt.Sprintf("%s:%d", s.listenCfg.APIBind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("diagnostics server listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("diagnostics server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the diagnostics server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// healthzHandler reports process liveness unconditionally: if this
// handler runs at all, the process is alive.
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyzHandler reports readiness by attempting a pool acquire/return
// round-trip bounded by a 2-second deadline (or the pool's shorter
// AcquireTimeout): a healthy pool can hand back a live connection without
// dialing a new one when it is already warm.
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	s.pool.Return(pc)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"pool":           s.pool.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
