// Package api provides the orchestrator's HTTP surface: webhook ingestion,
// evaluator graph registration, agent check-in, and the reporting endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nixfleet/orchestrator/internal/ingest"
	"github.com/nixfleet/orchestrator/internal/metrics"
	"github.com/nixfleet/orchestrator/internal/status"
	"github.com/nixfleet/orchestrator/internal/store"
	"github.com/nixfleet/orchestrator/pkg/config"
)

// Server is the orchestrator HTTP server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	store      store.Store
	ingest     *ingest.Service
	aggregator *status.Aggregator
	metrics    *metrics.Metrics
	config     *config.Config
	logger     *slog.Logger
}

// NewServer creates the HTTP server with its routes configured.
func NewServer(cfg *config.Config, st store.Store, ing *ingest.Service, agg *status.Aggregator, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:      st,
		ingest:     ing,
		aggregator: agg,
		metrics:    m,
		config:     cfg,
		logger:     logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(Recovery(s.logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhooks/push", s.handleWebhookPush)
		r.Post("/agents/checkin", s.handleAgentCheckin)

		r.Get("/flakes", s.handleListFlakes)
		r.Route("/commits/{commitID}", func(r chi.Router) {
			r.Post("/derivations", s.handleRegisterGraph)
			r.Get("/derivations", s.handleListDerivations)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/systems", s.handleSystemStatus)
			r.Get("/commits", s.handleCommitProgress)
			r.Get("/timeline", s.handleDeploymentTimeline)
			r.Get("/queue", s.handleBuildQueue)
			r.Get("/recent-commits", s.handleRecentCommits)
		})
	})

	s.router = r
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
