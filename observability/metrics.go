package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	verifierMetricsOnce sync.Once
	verifierRegistry    *VerifierMetrics

	txMetricsOnce sync.Once
	txRegistry    *TxMetrics

	sessionMetricsOnce sync.Once
	sessionRegistry    *SessionMetrics

	rpcMetricsOnce sync.Once
	rpcRegistry    *RPCMetrics
)

// VerifierMetrics wraps collectors tracking contract verification.
type VerifierMetrics struct {
	outcomes *prometheus.CounterVec
	cache    *prometheus.CounterVec
	latency  prometheus.Histogram
	stale    prometheus.Counter
}

// Verifier returns the lazily-initialised verification metrics registry.
func Verifier() *VerifierMetrics {
	verifierMetricsOnce.Do(func() {
		verifierRegistry = &VerifierMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "disperse",
				Subsystem: "verifier",
				Name:      "verifications_total",
				Help:      "Completed contract verifications segmented by chain and matched candidate label.",
			}, []string{"chain", "label"}),
			cache: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "disperse",
				Subsystem: "verifier",
				Name:      "bytecode_cache_total",
				Help:      "Bytecode comparison cache lookups segmented by result (hit, miss).",
			}, []string{"result"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "disperse",
				Subsystem: "verifier",
				Name:      "verification_duration_seconds",
				Help:      "Latency distribution of a full candidate verification pass.",
				Buckets:   prometheus.DefBuckets,
			}),
			stale: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "disperse",
				Subsystem: "verifier",
				Name:      "stale_results_total",
				Help:      "Verification results discarded because the chain changed while in flight.",
			}),
		}
		prometheus.MustRegister(
			verifierRegistry.outcomes,
			verifierRegistry.cache,
			verifierRegistry.latency,
			verifierRegistry.stale,
		)
	})
	return verifierRegistry
}

// RecordVerification records a completed verification pass.
func (m *VerifierMetrics) RecordVerification(chain, label string, d time.Duration) {
	if m == nil {
		return
	}
	if strings.TrimSpace(label) == "" {
		label = "none"
	}
	m.outcomes.WithLabelValues(labelOrUnknown(chain), label).Inc()
	m.latency.Observe(d.Seconds())
}

// RecordCache counts a bytecode cache lookup.
func (m *VerifierMetrics) RecordCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}

// RecordStale counts a discarded verification result.
func (m *VerifierMetrics) RecordStale() {
	if m == nil {
		return
	}
	m.stale.Inc()
}

// TxMetrics wraps collectors tracking orchestrated transactions.
type TxMetrics struct {
	transitions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// Tx returns the lazily-initialised transaction metrics registry.
func Tx() *TxMetrics {
	txMetricsOnce.Do(func() {
		txRegistry = &TxMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "disperse",
				Subsystem: "tx",
				Name:      "transitions_total",
				Help:      "Transaction lifecycle transitions segmented by action and status.",
			}, []string{"action", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "disperse",
				Subsystem: "tx",
				Name:      "duration_seconds",
				Help:      "Time from signing request to final status, segmented by action and outcome.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			}, []string{"action", "outcome"}),
		}
		prometheus.MustRegister(txRegistry.transitions, txRegistry.latency)
	})
	return txRegistry
}

// RecordTransition counts a lifecycle transition for an action.
func (m *TxMetrics) RecordTransition(action, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelOrUnknown(action), labelOrUnknown(status)).Inc()
}

// ObserveDuration records the end-to-end latency of an operation.
func (m *TxMetrics) ObserveDuration(action string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.latency.WithLabelValues(labelOrUnknown(action), outcome).Observe(d.Seconds())
}

// SessionMetrics exposes the derived application state.
type SessionMetrics struct {
	state      *prometheus.GaugeVec
	recipients prometheus.Gauge
}

// Session returns the lazily-initialised session metrics registry.
func Session() *SessionMetrics {
	sessionMetricsOnce.Do(func() {
		sessionRegistry = &SessionMetrics{
			state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "disperse",
				Subsystem: "session",
				Name:      "state",
				Help:      "Set to 1 for the currently derived application state, 0 otherwise.",
			}, []string{"state"}),
			recipients: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "disperse",
				Subsystem: "session",
				Name:      "recipients",
				Help:      "Number of recipients in the current parsed list.",
			}),
		}
		prometheus.MustRegister(sessionRegistry.state, sessionRegistry.recipients)
	})
	return sessionRegistry
}

// SetState marks current as the active state among all.
func (m *SessionMetrics) SetState(all []string, current string) {
	if m == nil {
		return
	}
	for _, name := range all {
		value := 0.0
		if name == current {
			value = 1
		}
		m.state.WithLabelValues(name).Set(value)
	}
}

// SetRecipients records the size of the recipient list.
func (m *SessionMetrics) SetRecipients(n int) {
	if m == nil {
		return
	}
	m.recipients.Set(float64(n))
}

// RPCMetrics tracks JSON-RPC traffic issued on behalf of the session.
type RPCMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// RPC returns the lazily-initialised RPC metrics registry.
func RPC() *RPCMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &RPCMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "disperse",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Upstream JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "disperse",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution of upstream JSON-RPC requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(rpcRegistry.requests, rpcRegistry.latency)
	})
	return rpcRegistry
}

// Observe records an upstream request.
func (m *RPCMetrics) Observe(method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	method = labelOrUnknown(method)
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(d.Seconds())
}

func labelOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
