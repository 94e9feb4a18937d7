package http

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sentinel-Gate/runtimegate/internal/domain/auth"
	"github.com/Sentinel-Gate/runtimegate/internal/domain/invocation"
	"github.com/Sentinel-Gate/runtimegate/internal/service"
)

const namespace = "runtime_gate"

// Metrics holds all Prometheus metrics for Runtime Gate.
// It implements service.GateObserver.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	PollsTotal           *prometheus.CounterVec
	PollDuration         prometheus.Histogram
	VerdictsTotal        *prometheus.CounterVec
	VerificationFailures *prometheus.CounterVec
	BlockResponsesTotal  *prometheus.CounterVec
	PassthroughTotal     *prometheus.CounterVec
	PassthroughDuration  *prometheus.HistogramVec
	KeyFetchesTotal      *prometheus.CounterVec
	KeyFetchDuration     prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of Runtime API requests received from the function runtime",
			},
			[]string{"route", "status"}, // route=next/response/error/init_error, status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Runtime API request duration in seconds, including long polls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		PollsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Total polls of the control plane's next-invocation endpoint",
			},
			[]string{"outcome"}, // outcome=event/relayed/error
		),
		PollDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Time spent waiting on the control plane for one poll",
				Buckets:   []float64{.001, .01, .1, 1, 10, 60, 300, 900},
			},
		),
		VerdictsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verdicts_total",
				Help:      "Total gate verdicts",
			},
			[]string{"verdict", "reason"}, // verdict=allow/block
		),
		VerificationFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verification_failures_total",
				Help:      "Total bearer token verification failures by class",
			},
			[]string{"class"},
		),
		BlockResponsesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_responses_total",
				Help:      "Total error responses submitted for blocked invocations",
			},
			[]string{"outcome"}, // outcome=submitted/rejected/error
		),
		PassthroughTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passthrough_total",
				Help:      "Total response, error and init-error calls relayed to the control plane",
			},
			[]string{"route", "status"}, // status=upstream code, 0 when unreachable
		),
		PassthroughDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "passthrough_duration_seconds",
				Help:      "Control plane round trip for relayed calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		KeyFetchesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jwks_fetches_total",
				Help:      "Total JWKS document fetches",
			},
			[]string{"result"}, // result=ok/error
		),
		KeyFetchDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "jwks_fetch_duration_seconds",
				Help:      "JWKS document fetch duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

// ObservePoll implements service.GateObserver.
func (m *Metrics) ObservePoll(outcome string, d time.Duration) {
	m.PollsTotal.WithLabelValues(outcome).Inc()
	m.PollDuration.Observe(d.Seconds())
}

// ObserveVerdict implements service.GateObserver.
func (m *Metrics) ObserveVerdict(verdict invocation.Verdict, reason invocation.Reason, class auth.ErrorClass) {
	m.VerdictsTotal.WithLabelValues(string(verdict), string(reason)).Inc()
	if class != "" {
		m.VerificationFailures.WithLabelValues(string(class)).Inc()
	}
}

// ObserveBlockResponse implements service.GateObserver.
func (m *Metrics) ObserveBlockResponse(outcome string) {
	m.BlockResponsesTotal.WithLabelValues(outcome).Inc()
}

// ObservePassthrough implements service.GateObserver.
func (m *Metrics) ObservePassthrough(route string, status int, d time.Duration) {
	m.PassthroughTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.PassthroughDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveKeyFetch records one JWKS fetch. Pass it to jwks.WithFetchObserver.
func (m *Metrics) ObserveKeyFetch(result string, d time.Duration) {
	m.KeyFetchesTotal.WithLabelValues(result).Inc()
	m.KeyFetchDuration.Observe(d.Seconds())
}

// RegisterAuditMetrics exposes the audit service's backpressure counters.
func RegisterAuditMetrics(reg prometheus.Registerer, svc *service.AuditService) {
	promauto.With(reg).NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_drops_total",
			Help:      "Total audit records dropped due to backpressure",
		},
		func() float64 { return float64(svc.DroppedRecords()) },
	)
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_channel_depth",
			Help:      "Audit records queued and not yet written",
		},
		func() float64 { return float64(svc.ChannelDepth()) },
	)
}

// Compile-time interface verification.
var _ service.GateObserver = (*Metrics)(nil)
