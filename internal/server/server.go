// Package server exposes the operational HTTP surface: liveness, runtime
// statistics and the circuit breaker reset. It serves operators, not
// readers; story content never leaves through this listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"newswire/internal/cluster"
	"newswire/internal/config"
	"newswire/internal/logger"
	"newswire/internal/monitor"
	"newswire/internal/poller"
	"newswire/internal/store"
	"newswire/internal/summarize"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Components are the pipeline pieces the server reports on. Any of them
// may be nil when the process runs a subset of the pipeline.
type Components struct {
	Poller    *poller.Poller
	Cluster   *cluster.Engine
	Summarize *summarize.Orchestrator
	Monitor   *monitor.Monitor
}

// Server is the operational HTTP server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	store      store.Store
	components Components
	started    time.Time
}

// New creates the server and wires its routes.
func New(s store.Store, cfg config.Server, components Components) *Server {
	srv := &Server{
		router:     chi.NewRouter(),
		store:      s,
		components: components,
		started:    time.Now(),
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.RealIP)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(middleware.Timeout(30 * time.Second))

	srv.router.Get("/health", srv.handleHealth)
	srv.router.Get("/stats", srv.handleStats)
	srv.router.Post("/circuit-breaker/reset/{feed_id}", srv.handleBreakerReset)

	srv.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      srv.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return srv
}

// Handler returns the router, used by tests to serve without a listener.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	log := logger.Get()
	log.Info("ops server listening", "addr", s.httpServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ops server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("ops server shutdown was not clean", "error", err)
	}
	return ctx.Err()
}

// handleHealth reports liveness: healthy with a stats block when the
// document store answers, unhealthy with a 503 when it does not.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if _, err := s.store.Lag(r.Context(), store.ColArticles, cluster.Consumer); err != nil {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"stats":          s.statsPayload(r.Context()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.statsPayload(r.Context())
	stats["uptime"] = time.Since(s.started).Round(time.Second).String()
	writeJSON(w, http.StatusOK, stats)
}

// statsPayload gathers counters from whichever components run in this
// process.
func (s *Server) statsPayload(ctx context.Context) map[string]any {
	stats := make(map[string]any)
	if p := s.components.Poller; p != nil {
		stats["poller"] = p.Stats()
		stats["feeds"] = s.feedStats(ctx, p)
	}
	if c := s.components.Cluster; c != nil {
		stats["cluster"] = c.Stats()
	}
	if o := s.components.Summarize; o != nil {
		stats["summarize"] = o.Stats()
	}
	if m := s.components.Monitor; m != nil {
		stats["monitor"] = m.Stats()
	}
	stats["change_streams"] = s.streamLag(ctx)
	return stats
}

// feedStats merges persisted poll state with in-memory counters per feed.
func (s *Server) feedStats(ctx context.Context, p *poller.Poller) []map[string]any {
	counters := p.FeedStats()
	states, err := p.FeedStates(ctx)
	if err != nil {
		logger.Get().Warn("failed to read feed states for stats", "error", err)
		return nil
	}

	out := make([]map[string]any, 0, len(states))
	for _, state := range states {
		entry := map[string]any{
			"feed_id":              state.FeedID,
			"consecutive_failures": state.ConsecutiveFailures,
			"circuit_open":         state.CircuitOpenUntil != nil,
			"circuit_breaks":       state.CircuitBreaks,
			"last_polled_at":       state.LastPolledAt,
			"last_success_at":      state.LastSuccessAt,
		}
		if state.CircuitOpenUntil != nil {
			entry["circuit_open_until"] = state.CircuitOpenUntil
		}
		if c, ok := counters[state.FeedID]; ok {
			entry["counters"] = c
		}
		out = append(out, entry)
	}
	return out
}

// streamLag reports how far each change-stream consumer is behind.
func (s *Server) streamLag(ctx context.Context) map[string]int64 {
	lags := make(map[string]int64)
	if s.components.Cluster != nil {
		if lag, err := s.store.Lag(ctx, store.ColArticles, cluster.Consumer); err == nil {
			lags[cluster.Consumer] = lag
		}
	}
	if s.components.Summarize != nil {
		if lag, err := s.store.Lag(ctx, store.ColStories, summarize.Consumer); err == nil {
			lags[summarize.Consumer] = lag
		}
	}
	return lags
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	p := s.components.Poller
	if p == nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "poller is not running in this process"})
		return
	}

	feedID := chi.URLParam(r, "feed_id")
	err := p.ResetBreaker(r.Context(), feedID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": fmt.Sprintf("unknown feed %q", feedID)})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feed_id": feedID, "reset": true})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Get().Warn("failed to encode response", "error", err)
	}
}
