package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/PortNumber53/subsync/internal/config"
	"github.com/PortNumber53/subsync/internal/handlers"
	requestlogging "github.com/PortNumber53/subsync/internal/middleware"
	"github.com/PortNumber53/subsync/internal/logger"
	"github.com/PortNumber53/subsync/internal/worker"
)

// Deps are the collaborators routed by the server. Nil members disable the
// routes that need them.
type Deps struct {
	Reconciler handlers.Reconciler
	Decoder    handlers.EventDecoder
	Processor  handlers.EventProcessor
	Health     map[string]handlers.Pinger
	Worker     *worker.Worker
	Logger     *zap.Logger
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	log        *zap.Logger
}

// New constructs an HTTP server using the provided configuration and collaborators.
func New(cfg config.Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestlogging.RequestLogger(log))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handlers.Health(deps.Health))
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if deps.Decoder != nil && deps.Processor != nil {
		router.Post("/api/webhooks/stripe", handlers.StripeWebhook(deps.Decoder, deps.Processor, logger.Component(log, "webhook")))
	}

	if deps.Reconciler != nil {
		billingLog := logger.Component(log, "billing")
		router.Route("/api/billing", func(r chi.Router) {
			r.Get("/subscription", handlers.SubscriptionStatus(deps.Reconciler, billingLog))
			r.Post("/cancel", handlers.CancelSubscription(deps.Reconciler, billingLog))
			r.Post("/reactivate", handlers.ReactivateSubscription(deps.Reconciler, billingLog))
			r.Post("/refresh", handlers.RefreshSubscription(deps.Reconciler, billingLog))
			r.Post("/check-cache", handlers.CheckSubscriptionCache(deps.Reconciler, billingLog))
		})
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: WriteTimeout(cfg),
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker, log: log}
}

const baseWriteTimeout = 15 * time.Second

// WriteTimeout sizes the response deadline to outlast the slowest lifecycle
// call: a store read, a provider call and a store write each exhausting their
// retries, then every verification read.
func WriteTimeout(cfg config.Config) time.Duration {
	retries := time.Duration(cfg.StoreRetries)
	retryBudget := cfg.StoreRetryDelay * retries * (retries + 1) / 2
	verify := time.Duration(cfg.VerifyAttempts)
	verifyBudget := time.Duration(0)
	if verify > 1 {
		verifyBudget = cfg.VerifyDelay * (verify - 1) * verify / 2
	}
	return baseWriteTimeout + 3*retryBudget + verifyBudget
}

// Start begins serving HTTP traffic and starts the worker.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		s.log.Info("starting job worker")
		s.worker.Start(ctx)
	}
	s.log.Info("listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.worker != nil {
		s.log.Info("shutting down job worker")
		if err := s.worker.Stop(ctx); err != nil {
			s.log.Warn("worker shutdown error", zap.Error(err))
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
