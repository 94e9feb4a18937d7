package http

import (
	"net/http"
	"strings"
	"time"
)

// Route labels for the emulated Runtime API.
const (
	RouteNext      = "next"
	RouteResponse  = "response"
	RouteError     = "error"
	RouteInitError = "init_error"
	RouteUnknown   = "unknown"
)

// MetricsMiddleware wraps an HTTP handler to record Prometheus metrics.
// It records:
// - request_duration_seconds histogram (by route)
// - requests_total counter (by route and status)
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap ResponseWriter to capture status code
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			route := routeLabel(r.URL.Path)
			metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			metrics.RequestsTotal.WithLabelValues(route, statusToLabel(wrapped.status)).Inc()
		})
	}
}

// routeLabel maps a Runtime API path to a bounded label value.
func routeLabel(path string) string {
	switch {
	case strings.HasSuffix(path, "/runtime/invocation/next"):
		return RouteNext
	case strings.HasSuffix(path, "/runtime/init/error"):
		return RouteInitError
	case strings.Contains(path, "/runtime/invocation/") && strings.HasSuffix(path, "/response"):
		return RouteResponse
	case strings.Contains(path, "/runtime/invocation/") && strings.HasSuffix(path, "/error"):
		return RouteError
	default:
		return RouteUnknown
	}
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush delegates to the underlying ResponseWriter if it supports http.Flusher.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// statusToLabel converts HTTP status code to label value
func statusToLabel(code int) string {
	if code >= 200 && code < 400 {
		return "ok"
	}
	return "error"
}
