// Package invocation models one event polled from the Lambda Runtime API and
// the gate's decision about it.
package invocation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// HeaderRequestID carries the invocation id on Runtime API responses.
const HeaderRequestID = "Lambda-Runtime-Aws-Request-Id"

// Verdict is the gate's decision for one invocation.
type Verdict string

const (
	VerdictPending Verdict = "pending"
	VerdictAllow   Verdict = "allow"
	VerdictBlock   Verdict = "block"
)

// Reason is the short machine string sent to the control plane for a blocked invocation.
type Reason string

const (
	ReasonMissingHeader   Reason = "missing-header"
	ReasonNotBearer       Reason = "not-bearer"
	ReasonInvalidToken    Reason = "invalid-token"
	// ReasonPayloadTooLarge closes out an event too large to read.
	ReasonPayloadTooLarge Reason = "payload-too-large"
)

// ErrVerdictDecided is returned when a verdict is set on an invocation that already has one.
var ErrVerdictDecided = errors.New("invocation verdict already decided")

// ErrPayloadTooLarge is returned when a polled event exceeds the size limit.
var ErrPayloadTooLarge = errors.New("invocation payload too large")

// OversizedError reports an event the control plane handed out but that was
// too large to read. RequestID is set when the poll reply carried one, so the
// event can still be answered.
type OversizedError struct {
	RequestID string
	Limit     int64
}

func (e *OversizedError) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("%s (limit %d bytes)", ErrPayloadTooLarge, e.Limit)
	}
	return fmt.Sprintf("%s: request %s (limit %d bytes)", ErrPayloadTooLarge, e.RequestID, e.Limit)
}

// Is matches ErrPayloadTooLarge.
func (e *OversizedError) Is(target error) bool {
	return target == ErrPayloadTooLarge
}

// PendingInvocation is one polled event awaiting a verdict.
// It is owned by a single NextInvocation call and never shared.
type PendingInvocation struct {
	// StatusCode is the control plane's status for the poll.
	StatusCode int
	// Header holds the poll response headers, to be relayed to the runtime.
	Header http.Header
	// Payload is the raw event body.
	Payload []byte
	// RequestID is the Lambda-Runtime-Aws-Request-Id header value.
	RequestID string

	verdict Verdict
	reason  Reason
}

// New creates a PendingInvocation from a poll response.
func New(status int, header http.Header, payload []byte) *PendingInvocation {
	return &PendingInvocation{
		StatusCode: status,
		Header:     header,
		Payload:    payload,
		RequestID:  header.Get(HeaderRequestID),
		verdict:    VerdictPending,
	}
}

// Deliverable reports whether the poll produced an invocation at all.
// Non-2xx replies carry no event and are relayed without a verdict.
func (p *PendingInvocation) Deliverable() bool {
	return p.StatusCode >= 200 && p.StatusCode < 300
}

// Verdict returns the current verdict.
func (p *PendingInvocation) Verdict() Verdict {
	if p.verdict == "" {
		return VerdictPending
	}
	return p.verdict
}

// Reason returns the block reason, or "" unless the verdict is Block.
func (p *PendingInvocation) Reason() Reason {
	return p.reason
}

// Allow sets the verdict to Allow. A verdict can be set only once.
func (p *PendingInvocation) Allow() error {
	if p.Verdict() != VerdictPending {
		return ErrVerdictDecided
	}
	p.verdict = VerdictAllow
	return nil
}

// Block sets the verdict to Block with reason. A verdict can be set only once.
func (p *PendingInvocation) Block(reason Reason) error {
	if p.Verdict() != VerdictPending {
		return ErrVerdictDecided
	}
	p.verdict = VerdictBlock
	p.reason = reason
	return nil
}

// BlockResponse is the body sent to the control plane for a blocked invocation.
func (p *PendingInvocation) BlockResponse() []byte {
	b, _ := json.Marshal(struct {
		Error Reason `json:"error"`
	}{Error: p.reason})
	return b
}
