// Package service contains the invocation gate and its supporting services.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/runtimegate/internal/ctxkey"
	"github.com/Sentinel-Gate/runtimegate/internal/domain/audit"
	"github.com/Sentinel-Gate/runtimegate/internal/domain/auth"
	"github.com/Sentinel-Gate/runtimegate/internal/domain/invocation"
	"github.com/Sentinel-Gate/runtimegate/internal/port/inbound"
	"github.com/Sentinel-Gate/runtimegate/internal/port/outbound"
)

const tracerName = "github.com/Sentinel-Gate/runtimegate/internal/service"

// ErrMissingRequestID is returned when the control plane hands out an
// invocation without a Lambda-Runtime-Aws-Request-Id header.
var ErrMissingRequestID = errors.New("next invocation reply has no request id")

// Poll and block-response outcomes reported to the GateObserver.
const (
	PollEvent       = "event"
	PollRelayed     = "relayed"
	PollError       = "error"
	BlockSubmitted  = "submitted"
	BlockRejected   = "rejected"
	BlockSubmitFail = "error"
)

// loggerFromContext retrieves the enriched logger from context.
// Uses the same key as HTTP middleware for request_id enrichment.
// Returns nil if no logger is in context, allowing caller to fall back.
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// TokenVerifier verifies a bearer token. *auth.Verifier implements it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Claims, error)
}

// AuditRecorder accepts audit records. *AuditService implements it.
type AuditRecorder interface {
	Record(record audit.AuditRecord)
}

// GateObserver receives counters for every step of the gate.
type GateObserver interface {
	ObservePoll(outcome string, d time.Duration)
	ObserveVerdict(verdict invocation.Verdict, reason invocation.Reason, class auth.ErrorClass)
	ObserveBlockResponse(outcome string)
	ObservePassthrough(route string, status int, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) Record(audit.AuditRecord) {}

type nopObserver struct{}

func (nopObserver) ObservePoll(string, time.Duration) {}

func (nopObserver) ObserveVerdict(invocation.Verdict, invocation.Reason, auth.ErrorClass) {}

func (nopObserver) ObserveBlockResponse(string) {}

func (nopObserver) ObservePassthrough(string, int, time.Duration) {}

// GateService polls the control plane and hands only verified invocations
// to the function runtime. Blocked invocations are answered upstream with
// an error body and the service polls again.
type GateService struct {
	runtime     outbound.RuntimeAPI
	verifier    TokenVerifier
	logger      *slog.Logger
	recorder    AuditRecorder
	observer    GateObserver
	tracer      trace.Tracer
	claimsField string
	enabled     bool

	// sem admits one NextInvocation at a time.
	sem chan struct{}
}

// GateOption configures GateService.
type GateOption func(*GateService)

// WithClaimsField sets the payload field that receives verified claims.
func WithClaimsField(field string) GateOption {
	return func(s *GateService) {
		if field != "" {
			s.claimsField = field
		}
	}
}

// WithGating switches verification on or off. When off, every 2xx poll is
// delivered unchanged.
func WithGating(enabled bool) GateOption {
	return func(s *GateService) {
		s.enabled = enabled
	}
}

// WithAuditRecorder sets where audit records go.
func WithAuditRecorder(r AuditRecorder) GateOption {
	return func(s *GateService) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o GateObserver) GateOption {
	return func(s *GateService) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) GateOption {
	return func(s *GateService) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewGateService creates a GateService. verifier may be nil only when
// gating is disabled.
func NewGateService(runtime outbound.RuntimeAPI, verifier TokenVerifier, logger *slog.Logger, opts ...GateOption) (*GateService, error) {
	s := &GateService{
		runtime:     runtime,
		verifier:    verifier,
		logger:      logger,
		recorder:    nopRecorder{},
		observer:    nopObserver{},
		tracer:      otel.Tracer(tracerName),
		claimsField: "verifiedClaims",
		enabled:     true,
		sem:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	if runtime == nil {
		return nil, errors.New("gate: runtime api client is required")
	}
	if s.enabled && verifier == nil {
		return nil, errors.New("gate: a verifier is required when gating is enabled")
	}
	return s, nil
}

// NextInvocation runs Polling -> Verifying -> {Blocking -> Polling | Delivered}
// until an invocation is allowed, the control plane replies without an
// event, or the control plane cannot be reached.
func (s *GateService) NextInvocation(ctx context.Context, version string) (*inbound.Delivery, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()

	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}

	ctx, span := s.tracer.Start(ctx, "gate.NextInvocation",
		trace.WithAttributes(attribute.String("lambda.runtime_api.version", version)))
	defer span.End()

	start := time.Now()
	blocked := 0
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attemptLogger := logger.With("attempt", attempt)

		inv, err := s.poll(ctx, version, attempt, attemptLogger)
		if err != nil {
			s.closeOutOversized(ctx, version, err, attempt, attemptLogger)
			span.RecordError(err)
			span.SetStatus(codes.Error, "poll failed")
			return nil, err
		}

		if !inv.Deliverable() {
			// No event to gate: hand the control plane's reply back as is.
			span.SetAttributes(attribute.Int("http.response.status_code", inv.StatusCode))
			return &inbound.Delivery{
				StatusCode: inv.StatusCode,
				Header:     withContentLength(inv.Header, len(inv.Payload)),
				Body:       inv.Payload,
				Blocked:    blocked,
			}, nil
		}
		if inv.RequestID == "" {
			span.RecordError(ErrMissingRequestID)
			span.SetStatus(codes.Error, "protocol error")
			return nil, ErrMissingRequestID
		}
		attemptLogger = attemptLogger.With("lambda_request_id", inv.RequestID)

		claims := s.decide(ctx, inv, attempt, attemptLogger)

		if inv.Verdict() == invocation.VerdictBlock {
			if err := s.block(ctx, version, inv, attempt, attemptLogger); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "block response failed")
				return nil, err
			}
			blocked++
			continue
		}

		delivery := s.deliver(inv, claims, attemptLogger)
		delivery.Blocked = blocked

		span.SetAttributes(
			attribute.String("lambda.request_id", inv.RequestID),
			attribute.Int("gate.blocked", blocked),
		)
		s.recorder.Record(audit.AuditRecord{
			Event:         audit.EventDelivery,
			RequestID:     inv.RequestID,
			Attempt:       attempt,
			Verdict:       string(invocation.VerdictAllow),
			Subject:       claims.Subject(),
			StatusCode:    inv.StatusCode,
			Outcome:       audit.OutcomeOK,
			LatencyMicros: time.Since(start).Microseconds(),
		})
		attemptLogger.Info("invocation delivered",
			"blocked_before", blocked,
			"duration", time.Since(start),
		)
		return delivery, nil
	}
}

// poll performs one GET of the next-invocation endpoint.
func (s *GateService) poll(ctx context.Context, version string, attempt int, logger *slog.Logger) (*invocation.PendingInvocation, error) {
	ctx, span := s.tracer.Start(ctx, "gate.poll", trace.WithAttributes(attribute.Int("gate.attempt", attempt)))
	defer span.End()

	start := time.Now()
	inv, err := s.runtime.NextInvocation(ctx, version)
	elapsed := time.Since(start)

	rec := audit.AuditRecord{
		Event:         audit.EventPoll,
		Attempt:       attempt,
		LatencyMicros: elapsed.Microseconds(),
	}

	if err != nil {
		rec.Outcome = audit.OutcomeFailed
		rec.Error = "control plane unavailable"
		s.recorder.Record(rec)
		s.observer.ObservePoll(PollError, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "control plane unavailable")
		logger.Error("poll for next invocation failed", "error", err)
		return nil, err
	}

	rec.RequestID = inv.RequestID
	rec.StatusCode = inv.StatusCode
	rec.Outcome = audit.OutcomeOK
	s.recorder.Record(rec)
	span.SetAttributes(attribute.Int("http.response.status_code", inv.StatusCode))

	if inv.Deliverable() {
		s.observer.ObservePoll(PollEvent, elapsed)
		logger.Debug("polled invocation", "lambda_request_id", inv.RequestID, "bytes", len(inv.Payload))
	} else {
		s.observer.ObservePoll(PollRelayed, elapsed)
		logger.Warn("control plane replied without an invocation", "status", inv.StatusCode)
	}
	return inv, nil
}

// closeOutOversized answers an event that was handed out but too large to
// read, so the control plane does not wait on it. The poll error is still
// returned to the runtime.
func (s *GateService) closeOutOversized(ctx context.Context, version string, err error, attempt int, logger *slog.Logger) {
	var tooLarge *invocation.OversizedError
	if !errors.As(err, &tooLarge) || tooLarge.RequestID == "" {
		return
	}
	h := http.Header{}
	h.Set(invocation.HeaderRequestID, tooLarge.RequestID)
	inv := invocation.New(http.StatusOK, h, nil)
	_ = inv.Block(invocation.ReasonPayloadTooLarge)

	logger = logger.With("lambda_request_id", inv.RequestID)
	s.recorder.Record(audit.AuditRecord{
		Event:     audit.EventVerdict,
		RequestID: inv.RequestID,
		Attempt:   attempt,
		Verdict:   string(invocation.VerdictBlock),
		Reason:    string(invocation.ReasonPayloadTooLarge),
		Outcome:   audit.OutcomeOK,
	})
	s.observer.ObserveVerdict(invocation.VerdictBlock, invocation.ReasonPayloadTooLarge, "")
	logger.Warn("invocation blocked", "reason", invocation.ReasonPayloadTooLarge, "limit_bytes", tooLarge.Limit)

	if berr := s.block(ctx, version, inv, attempt, logger); berr != nil {
		logger.Error("oversized invocation left unanswered", "error", berr)
	}
}

// decide sets the verdict on inv and returns the verified claims on Allow.
func (s *GateService) decide(ctx context.Context, inv *invocation.PendingInvocation, attempt int, logger *slog.Logger) auth.Claims {
	start := time.Now()
	rec := audit.AuditRecord{
		Event:     audit.EventVerdict,
		RequestID: inv.RequestID,
		Attempt:   attempt,
	}

	var (
		claims auth.Claims
		class  auth.ErrorClass
	)

	switch {
	case !s.enabled:
		_ = inv.Allow()
	default:
		claims, class = s.verify(ctx, inv, &rec, logger)
	}

	rec.Verdict = string(inv.Verdict())
	rec.Reason = string(inv.Reason())
	rec.ErrorClass = string(class)
	rec.LatencyMicros = time.Since(start).Microseconds()
	s.recorder.Record(rec)
	s.observer.ObserveVerdict(inv.Verdict(), inv.Reason(), class)

	if inv.Verdict() == invocation.VerdictBlock {
		logger.Warn("invocation blocked",
			"reason", inv.Reason(),
			"error_class", class,
			"kid", rec.KeyID,
			"token_fp", rec.TokenFingerprint,
		)
	} else {
		logger.Debug("invocation allowed", "subject", rec.Subject)
	}
	return claims
}

// verify extracts and verifies the bearer token carried in the payload.
func (s *GateService) verify(ctx context.Context, inv *invocation.PendingInvocation, rec *audit.AuditRecord, logger *slog.Logger) (auth.Claims, auth.ErrorClass) {
	header, ok := invocation.Authorization(inv.Payload)
	if !ok {
		_ = inv.Block(invocation.ReasonMissingHeader)
		return nil, ""
	}

	token, err := auth.ParseBearer(header)
	if err != nil {
		_ = inv.Block(invocation.ReasonNotBearer)
		return nil, ""
	}
	rec.TokenFingerprint = auth.Fingerprint(token)

	ctx, span := s.tracer.Start(ctx, "gate.verify")
	defer span.End()

	claims, err := s.verifier.Verify(ctx, token)
	if err != nil {
		_ = inv.Block(invocation.ReasonInvalidToken)
		class := auth.ClassOf(err)
		var ve *auth.VerificationError
		if errors.As(err, &ve) {
			rec.KeyID = ve.KeyID
		}
		span.SetAttributes(attribute.String("gate.error_class", string(class)))
		span.SetStatus(codes.Error, string(class))
		logger.Debug("token verification failed", "error", err)
		return nil, class
	}

	_ = inv.Allow()
	rec.Subject = claims.Subject()
	span.SetAttributes(attribute.String("gate.subject", rec.Subject))
	return claims, ""
}

// block closes out a blocked invocation on the control plane.
// A network failure ends the cycle; a non-2xx reply is logged and polling
// continues, since the invocation is already consumed either way.
func (s *GateService) block(ctx context.Context, version string, inv *invocation.PendingInvocation, attempt int, logger *slog.Logger) error {
	// The control plane must hear about this invocation even if the runtime
	// has gone away.
	ctx = context.WithoutCancel(ctx)
	ctx, span := s.tracer.Start(ctx, "gate.block_response",
		trace.WithAttributes(
			attribute.String("lambda.request_id", inv.RequestID),
			attribute.String("gate.reason", string(inv.Reason())),
		))
	defer span.End()

	start := time.Now()
	status, err := s.runtime.PostResponse(ctx, version, inv.RequestID, inv.BlockResponse())

	rec := audit.AuditRecord{
		Event:         audit.EventBlockResponse,
		RequestID:     inv.RequestID,
		Attempt:       attempt,
		Verdict:       string(invocation.VerdictBlock),
		Reason:        string(inv.Reason()),
		StatusCode:    status,
		LatencyMicros: time.Since(start).Microseconds(),
	}

	if err != nil {
		rec.Outcome = audit.OutcomeFailed
		rec.Error = "control plane unavailable"
		s.recorder.Record(rec)
		s.observer.ObserveBlockResponse(BlockSubmitFail)
		span.RecordError(err)
		span.SetStatus(codes.Error, "block response failed")
		logger.Error("failed to submit block response", "error", err)
		return fmt.Errorf("submit block response: %w", err)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if status < 200 || status >= 300 {
		rec.Outcome = audit.OutcomeFailed
		s.recorder.Record(rec)
		s.observer.ObserveBlockResponse(BlockRejected)
		logger.Warn("control plane rejected block response", "status", status)
		return nil
	}

	rec.Outcome = audit.OutcomeOK
	s.recorder.Record(rec)
	s.observer.ObserveBlockResponse(BlockSubmitted)
	return nil
}

// deliver builds the reply for an allowed invocation.
func (s *GateService) deliver(inv *invocation.PendingInvocation, claims auth.Claims, logger *slog.Logger) *inbound.Delivery {
	body := inv.Payload
	if claims != nil {
		spliced, err := invocation.AttachClaims(inv.Payload, s.claimsField, claims)
		if err != nil {
			// The token was read from this payload, so it is an object; this
			// only fails on claims that cannot be encoded.
			logger.Warn("delivering without claims", "error", err)
		} else {
			body = spliced
		}
	}

	return &inbound.Delivery{
		StatusCode: inv.StatusCode,
		Header:     withContentLength(inv.Header, len(body)),
		Body:       body,
		RequestID:  inv.RequestID,
	}
}

// Relay forwards a response, error or init-error call to the control plane.
func (s *GateService) Relay(ctx context.Context, route string, req *outbound.ForwardRequest) (*http.Response, error) {
	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}

	ctx, span := s.tracer.Start(ctx, "gate.Relay",
		trace.WithAttributes(
			attribute.String("gate.route", route),
			attribute.String("lambda.request_id", req.RequestID),
		))
	defer span.End()

	start := time.Now()
	resp, err := s.runtime.Forward(ctx, req)
	elapsed := time.Since(start)

	rec := audit.AuditRecord{
		Event:         audit.EventPassthrough,
		RequestID:     req.RequestID,
		Route:         route,
		LatencyMicros: elapsed.Microseconds(),
	}

	if err != nil {
		rec.Outcome = audit.OutcomeFailed
		rec.Error = "control plane unavailable"
		s.recorder.Record(rec)
		s.observer.ObservePassthrough(route, 0, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "forward failed")
		logger.Error("pass-through failed",
			"route", route,
			"lambda_request_id", req.RequestID,
			"error", err,
		)
		return nil, err
	}

	rec.StatusCode = resp.StatusCode
	rec.Outcome = audit.OutcomeOK
	s.recorder.Record(rec)
	s.observer.ObservePassthrough(route, resp.StatusCode, elapsed)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	logger.Debug("pass-through relayed",
		"route", route,
		"lambda_request_id", req.RequestID,
		"status", resp.StatusCode,
	)
	return resp, nil
}

// withContentLength clones h and sets Content-Length to n.
func withContentLength(h http.Header, n int) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	out.Set("Content-Length", strconv.Itoa(n))
	return out
}

// Compile-time interface verification.
var _ inbound.Gate = (*GateService)(nil)
