package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DispersalMetrics counts confirmed dispersals and the recipients they paid.
type DispersalMetrics struct {
	batches    *prometheus.CounterVec
	recipients *prometheus.CounterVec
}

var (
	dispersalMetricsOnce sync.Once
	dispersalRegistry    *DispersalMetrics
)

// Dispersals returns the lazily-initialised dispersal metrics registry.
func Dispersals() *DispersalMetrics {
	dispersalMetricsOnce.Do(func() {
		dispersalRegistry = &DispersalMetrics{
			batches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "disperse",
				Subsystem: "events",
				Name:      "dispersals_total",
				Help:      "Count of confirmed dispersals segmented by action.",
			}, []string{"action"}),
			recipients: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "disperse",
				Subsystem: "events",
				Name:      "recipients_paid_total",
				Help:      "Recipients paid by confirmed dispersals segmented by action.",
			}, []string{"action"}),
		}
		prometheus.MustRegister(dispersalRegistry.batches, dispersalRegistry.recipients)
	})
	return dispersalRegistry
}

// RecordDispersal counts a confirmed dispersal to n recipients.
func (m *DispersalMetrics) RecordDispersal(action string, n int) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(action)
	if normalized == "" {
		normalized = "unknown"
	}
	m.batches.WithLabelValues(normalized).Inc()
	if n > 0 {
		m.recipients.WithLabelValues(normalized).Add(float64(n))
	}
}
