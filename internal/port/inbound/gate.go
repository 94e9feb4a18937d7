// Package inbound defines the inbound port the Runtime API emulation calls.
package inbound

import (
	"context"
	"net/http"

	"github.com/Sentinel-Gate/runtimegate/internal/port/outbound"
)

// Delivery is the reply handed to the function runtime for a next-invocation call.
type Delivery struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// RequestID is empty for relayed non-2xx replies.
	RequestID string
	// Blocked counts invocations auto-answered before this one was delivered.
	Blocked int
}

// Gate is the inbound port for the invocation gate.
type Gate interface {
	// NextInvocation blocks until an invocation is allowed, the control plane
	// replies without an event, or an I/O failure occurs.
	NextInvocation(ctx context.Context, version string) (*Delivery, error)

	// Relay forwards a response, error or init-error call for route.
	// The caller must close the response body.
	Relay(ctx context.Context, route string, req *outbound.ForwardRequest) (*http.Response, error)
}
