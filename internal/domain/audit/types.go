// Package audit contains domain types for the invocation audit trail.
package audit

import "time"

// Event constants name the step of the gate an audit record describes.
const (
	// EventPoll is one GET of the control plane's next-invocation endpoint.
	EventPoll = "poll"
	// EventVerdict is the Allow/Block decision on a polled invocation.
	EventVerdict = "verdict"
	// EventBlockResponse is the synthetic error response sent for a blocked invocation.
	EventBlockResponse = "block_response"
	// EventDelivery is an allowed invocation handed to the function runtime.
	EventDelivery = "delivery"
	// EventPassthrough is a response, error or init-error call relayed upstream.
	EventPassthrough = "passthrough"
)

// Outcome constants for records that have no verdict.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// AuditRecord is one auditable step of the gate.
// Raw bearer tokens never appear here; TokenFingerprint identifies them instead.
type AuditRecord struct {
	// Timestamp is when the step completed.
	Timestamp time.Time `json:"timestamp"`
	// Event is one of the Event constants.
	Event string `json:"event"`
	// RequestID is the Lambda invocation id (Lambda-Runtime-Aws-Request-Id).
	RequestID string `json:"request_id,omitempty"`
	// Attempt numbers polls within one NextInvocation call, starting at 1.
	Attempt int `json:"attempt,omitempty"`
	// Verdict is "allow" or "block" on verdict and delivery records.
	Verdict string `json:"verdict,omitempty"`
	// Reason is the block reason sent to the control plane.
	Reason string `json:"reason,omitempty"`
	// ErrorClass is the credential verification failure class, if any.
	ErrorClass string `json:"error_class,omitempty"`
	// KeyID is the kid of the signing key involved, if known.
	KeyID string `json:"kid,omitempty"`
	// Subject is the verified sub claim.
	Subject string `json:"subject,omitempty"`
	// TokenFingerprint is a non-reversible hash of the bearer token.
	TokenFingerprint string `json:"token_fp,omitempty"`
	// Route is the Runtime API route for pass-through records.
	Route string `json:"route,omitempty"`
	// StatusCode is the upstream status, when one was received.
	StatusCode int `json:"status,omitempty"`
	// Outcome is "ok" or "failed" for records without a verdict.
	Outcome string `json:"outcome,omitempty"`
	// Error is a short, client-safe error description.
	Error string `json:"error,omitempty"`
	// LatencyMicros is how long the step took.
	LatencyMicros int64 `json:"latency_us"`
}
