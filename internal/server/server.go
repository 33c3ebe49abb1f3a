package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/ledgerd/ledgerd/internal/config"
	"github.com/ledgerd/ledgerd/internal/ledger"
	"github.com/ledgerd/ledgerd/internal/metrics"
	"github.com/ledgerd/ledgerd/internal/router"
	"github.com/sirupsen/logrus"
)

// maxPayloadBytes bounds the request body handed to a route.
const maxPayloadBytes = 1 << 20

// Server exposes the dispatcher over HTTP.
type Server struct {
	config     *config.Config
	dispatcher *router.Dispatcher
	table      *ledger.Table
	metrics    metrics.Manager
	auth       *TokenAuth
	limiter    *rateLimiter
	logger     *logrus.Logger

	httpServer *http.Server
}

// New builds the HTTP server. It does not start listening.
func New(cfg *config.Config, dispatcher *router.Dispatcher, table *ledger.Table, m metrics.Manager, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		config:     cfg,
		dispatcher: dispatcher,
		table:      table,
		metrics:    m,
		logger:     logger,
	}
	if cfg.Auth.Enabled() {
		s.auth = NewTokenAuth(cfg.Auth.JWTSecret)
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(tracingMiddleware(s.logger))
	r.Use(s.metrics.Middleware())

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	if s.metrics.Enabled() {
		r.Handle(s.config.Metrics.Path, s.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	if s.limiter != nil {
		v1.Use(s.limiter.middleware)
	}
	v1.HandleFunc("/routes", s.handleListRoutes).Methods(http.MethodGet)
	v1.HandleFunc("/routes/{name}", s.handleDispatch).Methods(http.MethodPost)

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.logger),
		handlers.PrintRecoveryStack(false),
	)(r)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.WithFields(logrus.Fields{
		"address":  ln.Addr().String(),
		"table":    s.table.Name(),
		"routes":   s.dispatcher.Registry().Len(),
		"auth":     s.auth != nil,
		"data_dir": s.config.DataDir,
	}).Info("Starting ledgerd API server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	return nil
}
