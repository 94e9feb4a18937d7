package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/Sentinel-Gate/runtimegate/internal/port/inbound"
	"github.com/Sentinel-Gate/runtimegate/internal/port/outbound"
)

// errorResponse is the JSON body for errors the gate itself produces.
// RequestID matches the request_id of the gate's log lines for the call.
type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:     code,
		Message:   message,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "not_found", "unknown Runtime API route")
}

// NewHandler returns the Runtime API emulation served to the function runtime.
// {version} is forwarded upstream as received.
func NewHandler(gate inbound.Gate) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/{version}/runtime/invocation/next", nextHandler(gate))
	mux.HandleFunc("/{version}/runtime/invocation/{requestId}/response", passthroughHandler(gate, RouteResponse))
	mux.HandleFunc("/{version}/runtime/invocation/{requestId}/error", passthroughHandler(gate, RouteError))
	mux.HandleFunc("/{version}/runtime/init/error", passthroughHandler(gate, RouteInitError))
	mux.HandleFunc("/", notFound)
	return mux
}

// nextHandler serves GET next-invocation. It blocks until the gate allows an
// invocation or the control plane replies without one.
func nextHandler(gate inbound.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			notFound(w, r)
			return
		}
		logger := LoggerFromContext(r.Context())

		d, err := gate.NextInvocation(r.Context(), r.PathValue("version"))
		if err != nil {
			if r.Context().Err() != nil {
				// The runtime hung up; nobody is left to answer.
				logger.Debug("next-invocation abandoned by runtime", "error", err)
				return
			}
			logger.Error("next-invocation failed", "error", err)
			writeError(w, r, http.StatusBadGateway, "control_plane_unavailable", "could not obtain the next invocation")
			return
		}

		for k, vv := range d.Header {
			w.Header()[k] = append([]string(nil), vv...)
		}
		w.WriteHeader(d.StatusCode)
		if _, err := w.Write(d.Body); err != nil {
			logger.Error("failed to deliver invocation", "lambda_request_id", d.RequestID, "error", err)
		}
	}
}

// passthroughHandler relays a POST to the control plane and streams the
// reply back unchanged.
func passthroughHandler(gate inbound.Gate, route string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			notFound(w, r)
			return
		}
		logger := LoggerFromContext(r.Context())

		resp, err := gate.Relay(r.Context(), route, &outbound.ForwardRequest{
			Method:        r.Method,
			Path:          r.URL.EscapedPath(),
			RawQuery:      r.URL.RawQuery,
			RequestID:     r.PathValue("requestId"),
			Header:        r.Header.Clone(),
			Body:          r.Body,
			ContentLength: r.ContentLength,
			Trailer:       r.Trailer,
		})
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			writeError(w, r, http.StatusBadGateway, "control_plane_unavailable", "could not relay the call to the control plane")
			return
		}
		defer func() { _ = resp.Body.Close() }()

		for k, vv := range resp.Header {
			w.Header()[k] = append([]string(nil), vv...)
		}
		for k := range resp.Trailer {
			w.Header().Add("Trailer", k)
		}
		w.WriteHeader(resp.StatusCode)

		if _, err := io.Copy(w, resp.Body); err != nil {
			logger.Warn("failed to relay control plane reply", "route", route, "error", err)
			return
		}

		// Trailer values are known only after the body is read.
		for k, vv := range resp.Trailer {
			w.Header()[k] = append([]string(nil), vv...)
		}
	}
}
