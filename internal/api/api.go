// Package api provides the operator HTTP surface for wadispatch.
//
// It exposes endpoints for enqueueing outbound messages, receiving inbound
// webhooks (with phantom echo suppression), and inspecting queues and the
// attempt archive.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/wadispatch/internal/dispatch"
	"github.com/BTreeMap/wadispatch/internal/models"
	"github.com/BTreeMap/wadispatch/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// HTTP server timeouts
const (
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Dispatcher is the part of the delivery engine the API drives.
type Dispatcher interface {
	Enqueue(recipient string, kind models.Kind, payload models.Payload, opts ...dispatch.EnqueueOption) (dispatch.EnqueueResult, error)
	IsPhantomEcho(recipient, text string) bool
	Snapshot() dispatch.Snapshot
}

// InboundHandler receives inbound messages that are not echoes of our own
// sends.
type InboundHandler func(ctx context.Context, msg models.InboundMessage)

// InboundCounter counts webhook deliveries.
type InboundCounter interface {
	Inbound()
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string
	Attempts       store.AttemptRepo
	Inbound        InboundHandler
	Metrics        http.Handler
	InboundCounter InboundCounter
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAttemptRepo enables GET /attempts backed by repo.
func WithAttemptRepo(repo store.AttemptRepo) Option {
	return func(o *Opts) { o.Attempts = repo }
}

// WithInboundHandler registers the consumer of non-phantom inbound messages.
func WithInboundHandler(h InboundHandler) Option {
	return func(o *Opts) { o.Inbound = h }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) { o.Metrics = h }
}

// WithInboundCounter counts every inbound webhook call on c.
func WithInboundCounter(c InboundCounter) Option {
	return func(o *Opts) { o.InboundCounter = c }
}

// Server holds the dependencies for the API handlers.
type Server struct {
	engine Dispatcher
	opts   Opts
	router chi.Router
}

// NewServer creates a Server around engine.
func NewServer(engine Dispatcher, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{engine: engine, opts: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Post("/messages", s.sendHandler)
	r.Post("/webhook/inbound", s.inboundHandler)
	r.Get("/queues", s.queuesHandler)
	r.Get("/attempts", s.attemptsHandler)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	return r
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}
