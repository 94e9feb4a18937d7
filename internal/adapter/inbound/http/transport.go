package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/runtimegate/internal/port/inbound"
)

// HTTPTransport is the inbound adapter that serves the Runtime API emulation
// to the function runtime, plus an optional admin listener for /metrics and
// /health.
type HTTPTransport struct {
	gate            inbound.Gate
	addr            string
	adminAddr       string
	logger          *slog.Logger
	metrics         *Metrics
	registry        *prometheus.Registry
	healthChecker   *HealthChecker
	auditQuerier    AuditQuerier
	shutdownTimeout time.Duration

	server      *http.Server
	adminServer *http.Server

	mu       sync.Mutex
	boundAt  net.Addr
	adminAt  net.Addr
	ready    chan struct{}
	stopOnce sync.Once
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the Runtime API listen address.
// Default is "127.0.0.1:9009".
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithAdminAddr enables the admin listener serving /metrics, /health and /audit.
func WithAdminAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.adminAddr = addr
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithMetrics records per-route request metrics.
func WithMetrics(m *Metrics) Option {
	return func(t *HTTPTransport) {
		t.metrics = m
	}
}

// WithRegistry sets the registry exposed on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(t *HTTPTransport) {
		t.registry = reg
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) {
		t.healthChecker = hc
	}
}

// WithAuditQuerier serves recent audit records on the admin /audit endpoint.
func WithAuditQuerier(q AuditQuerier) Option {
	return func(t *HTTPTransport) {
		t.auditQuerier = q
	}
}

// WithShutdownTimeout bounds graceful shutdown. Default is 1s; Lambda gives
// extensions little time after SHUTDOWN.
func WithShutdownTimeout(d time.Duration) Option {
	return func(t *HTTPTransport) {
		if d > 0 {
			t.shutdownTimeout = d
		}
	}
}

// NewHTTPTransport creates an HTTP transport serving gate.
func NewHTTPTransport(gate inbound.Gate, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		gate:            gate,
		addr:            "127.0.0.1:9009",
		logger:          slog.Default(),
		shutdownTimeout: time.Second,
		ready:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Handler returns the Runtime API handler with its middleware chain.
func (t *HTTPTransport) Handler() http.Handler {
	// Order (outermost first): metrics, request ID, routes.
	handler := NewHandler(t.gate)
	handler = RequestIDMiddleware(t.logger)(handler)
	if t.metrics != nil {
		handler = MetricsMiddleware(t.metrics)(handler)
	}
	return handler
}

// AdminHandler returns the /metrics, /health and /audit mux.
func (t *HTTPTransport) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	if t.healthChecker != nil {
		mux.Handle("/health", t.healthChecker.Handler())
	} else {
		mux.Handle("/health", NewHealthChecker(nil, nil, "").Handler())
	}
	if t.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
			Registry: t.registry,
		}))
	}
	if t.auditQuerier != nil {
		mux.Handle("/audit", auditHandler(t.auditQuerier))
	}
	return mux
}

// Start binds the listeners and serves until ctx is cancelled or a server
// fails. The Runtime API server has no write timeout: next-invocation is a
// long poll.
func (t *HTTPTransport) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.addr, err)
	}

	var adminLn net.Listener
	if t.adminAddr != "" {
		adminLn, err = net.Listen("tcp", t.adminAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen on admin %s: %w", t.adminAddr, err)
		}
	}

	t.mu.Lock()
	t.server = &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(t.logger.Handler(), slog.LevelWarn),
	}
	t.boundAt = ln.Addr()
	if adminLn != nil {
		t.adminServer = &http.Server{
			Handler:           t.AdminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		}
		t.adminAt = adminLn.Addr()
	}
	t.mu.Unlock()
	close(t.ready)

	errCh := make(chan error, 2)

	go func() {
		t.logger.Info("serving runtime API", "addr", ln.Addr().String())
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("runtime API server: %w", err)
		}
	}()
	if adminLn != nil {
		go func() {
			t.logger.Info("serving admin endpoints", "addr", adminLn.Addr().String())
			if err := t.adminServer.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP servers")
		return t.shutdown()
	case err := <-errCh:
		_ = t.shutdown()
		return err
	}
}

// Ready is closed once the listeners are bound.
func (t *HTTPTransport) Ready() <-chan struct{} {
	return t.ready
}

// Addr returns the bound Runtime API address, or nil before Start.
func (t *HTTPTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.boundAt
}

// AdminAddr returns the bound admin address, or nil when disabled.
func (t *HTTPTransport) AdminAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.adminAt
}

// shutdown drains both servers within the shutdown timeout. Runtime
// long polls still open at the deadline are closed.
func (t *HTTPTransport) shutdown() error {
	var err error
	t.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.shutdownTimeout)
		defer cancel()

		t.mu.Lock()
		server, admin := t.server, t.adminServer
		t.mu.Unlock()

		if admin != nil {
			if aerr := admin.Shutdown(ctx); aerr != nil {
				_ = admin.Close()
			}
		}
		if server != nil {
			if serr := server.Shutdown(ctx); serr != nil {
				t.logger.Warn("graceful shutdown timed out, closing connections", "error", serr)
				err = server.Close()
			}
		}
		t.logger.Info("HTTP server shutdown complete")
	})
	return err
}

// Close shuts the transport down.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	started := t.server != nil
	t.mu.Unlock()
	if !started {
		return nil
	}
	return t.shutdown()
}
