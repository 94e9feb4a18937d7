package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/runtimegate/internal/ctxkey"
)

type requestIDKey struct{}

// RequestIDMiddleware tags every runtime call with a proxy request ID and
// stores a logger carrying it, the route and the protocol version in the
// context under ctxkey.LoggerKey. An incoming X-Request-ID is reused.
// Nothing is added to the response: replies must match the control plane's.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}

			attrs := []any{"request_id", id, "route", routeLabel(r.URL.Path)}
			if v := protocolVersion(r.URL.Path); v != "" {
				attrs = append(attrs, "runtime_version", v)
			}

			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, logger.With(attrs...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// protocolVersion returns the leading {version} segment of a Runtime API path.
func protocolVersion(path string) string {
	v, _, ok := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if !ok {
		return ""
	}
	return v
}

// LoggerFromContext returns the request-scoped logger, or slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RequestIDFromContext returns the ID set by RequestIDMiddleware, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
