// Package api exposes the IntakePipe HTTP surface: a direct-line turn
// endpoint, session and retry job inspection, the Twilio webhook, health and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/messaging"
	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

const (
	// DefaultAddr is used when no listen address is configured.
	DefaultAddr = ":8080"
	// DefaultRequestTimeout bounds a single API request.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultHealthTimeout bounds all health checks together.
	DefaultHealthTimeout = 5 * time.Second

	maxBodyBytes = 64 << 10
)

// TurnEngine is the part of *flow.Engine the API drives.
type TurnEngine interface {
	HandleTurn(ctx context.Context, turn models.Turn) (*flow.TurnResult, error)
	Session(ctx context.Context, conversationID string) (*models.Session, error)
	ResetSession(ctx context.Context, conversationID string) error
}

// Compile-time check that the engine can be served.
var _ TurnEngine = (*flow.Engine)(nil)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	engine   TurnEngine
	jobs     store.JobRepo
	twilio   *messaging.TwilioService
	gatherer prometheus.Gatherer
	checks   map[string]HealthCheck
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithJobRepo enables GET /api/jobs/{jobID}.
func WithJobRepo(jobs store.JobRepo) Option {
	return func(s *Server) { s.jobs = jobs }
}

// WithTwilioWebhook mounts POST /webhook/twilio.
func WithTwilioWebhook(svc *messaging.TwilioService) Option {
	return func(s *Server) { s.twilio = svc }
}

// WithGatherer serves GET /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthCheck adds a named dependency check to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// NewServer builds the router around engine.
func NewServer(engine TurnEngine, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		checks: make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.twilio != nil {
		r.Post("/webhook/twilio", s.twilio.TwilioWebhookHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultRequestTimeout))
		r.Post("/messages", s.messageHandler)
		r.Get("/sessions/{conversationID}", s.getSessionHandler)
		r.Delete("/sessions/{conversationID}", s.resetSessionHandler)
		r.Get("/jobs/{jobID}", s.getJobHandler)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	})
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}
