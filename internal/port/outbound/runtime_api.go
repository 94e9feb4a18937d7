// Package outbound defines the outbound port interfaces for talking to the
// Lambda control plane.
package outbound

import (
	"context"
	"io"
	"net/http"

	"github.com/Sentinel-Gate/runtimegate/internal/domain/invocation"
)

// ForwardRequest is a runtime request relayed to the control plane unchanged.
type ForwardRequest struct {
	// Method is the HTTP method of the original request.
	Method string
	// Path is the escaped request path, protocol version included.
	Path string
	// RequestID is the invocation the call belongs to, for logs and audit.
	// Empty for init errors. The client does not send it.
	RequestID string
	// RawQuery is the encoded query string, without '?'.
	RawQuery string
	// Header holds the end-to-end request headers.
	Header http.Header
	// Body is the request body; nil for none.
	Body io.Reader
	// ContentLength is the body length, or -1 when unknown.
	ContentLength int64
	// Trailer holds trailers announced by the runtime. Values are filled
	// once Body has been read to EOF.
	Trailer http.Header
}

// RuntimeAPI is the outbound port to the real Lambda Runtime API.
type RuntimeAPI interface {
	// NextInvocation long-polls for the next event. It has no timeout of its
	// own; the control plane may hold it open until an event arrives.
	// Returns an error only when no HTTP response was received.
	NextInvocation(ctx context.Context, version string) (*invocation.PendingInvocation, error)

	// PostResponse submits body as the response for requestID and returns
	// the upstream status code.
	PostResponse(ctx context.Context, version, requestID string, body []byte) (int, error)

	// Forward relays req and returns the upstream response.
	// The caller must close the response body.
	Forward(ctx context.Context, req *ForwardRequest) (*http.Response, error)
}
