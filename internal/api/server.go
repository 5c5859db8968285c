// Package api exposes destination administration, event triggering and
// inbound webhook verification over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"

	"github.com/austindbirch/harborguard/internal/auth"
	"github.com/austindbirch/harborguard/internal/delivery"
	"github.com/austindbirch/harborguard/internal/health"
	"github.com/austindbirch/harborguard/internal/logging"
	"github.com/austindbirch/harborguard/internal/signing"
	"github.com/austindbirch/harborguard/internal/store"
)

// Fanout runs a fan-out and reports per-destination outcomes.
type Fanout interface {
	Fire(ctx context.Context, tenantID, event string, data map[string]any) []delivery.Outcome
}

// Publisher hands a fan-out to a queue. *trigger.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, tenantID, event string, data map[string]any) error
}

// Config holds API server configuration
type Config struct {
	Listen        string
	InboundSecret string
	InboundHeader string
	MaxBodyBytes  int64
}

// Deps are the collaborators the server routes to. Publisher, Gatherer and
// Logger are optional; a nil Auth rejects every protected route.
type Deps struct {
	Store     store.Store
	Fanout    Fanout
	Publisher Publisher
	Auth      *auth.JWTValidator
	Gatherer  prometheus.Gatherer
	Logger    *logging.Logger
}

// Server represents the HTTP API server
type Server struct {
	config   Config
	deps     Deps
	logger   *logging.Logger
	server   *http.Server
	detached conc.WaitGroup
}

func New(config Config, deps Deps) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = signing.DefaultMaxBody
	}
	if config.InboundHeader == "" {
		config.InboundHeader = delivery.DefaultHeaderPrefix + "-Signature-256"
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{config: config, deps: deps, logger: logger}
}

// Start serves until ctx is cancelled, then shuts down and waits for
// detached fan-outs to settle.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute, // ?wait=true holds the response for a whole fan-out
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Plain().WithField("addr", s.config.Listen).Info("API server starting")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Plain().Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		s.Wait()
		if err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		s.Wait()
		return fmt.Errorf("server error: %w", err)
	}
}

// Wait blocks until every detached fan-out started by the server settles.
func (s *Server) Wait() {
	if p := s.detached.WaitAndRecover(); p != nil {
		s.logger.Plain().WithField("panic", p.String()).Error("detached fan-out panicked")
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health.HTTPHandler(s.deps.Store))
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.With(signing.Middleware(s.config.InboundSecret, s.config.InboundHeader, s.config.MaxBodyBytes)).
		Post("/v1/inbound/{source}", s.handleInbound)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/v1/destinations", s.handleCreateDestination)
		r.Get("/v1/destinations", s.handleListDestinations)
		r.Post("/v1/destinations/{id}/disable", s.handleSetEnabled(false))
		r.Post("/v1/destinations/{id}/enable", s.handleSetEnabled(true))
		r.Get("/v1/destinations/{id}/deliveries", s.handleListDeliveries)
		r.Post("/v1/events", s.handleFireEvent)
	})

	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.deps.Auth == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "authentication is not configured")
		})
	}
	return s.deps.Auth.HTTPMiddleware(next)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithContext(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Info("http request")
	})
}
