package recmover

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting pipeline activity.
type Metrics struct {
	messages      *prometheus.CounterVec
	stageFailures *prometheus.CounterVec
	transferBytes prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics registered with the global
// Prometheus registry. Collectors are created once so repeated processor
// construction does not trip duplicate-registration panics.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics builds a Metrics instance on reg, panicking on registration
// errors. Tests pass a fresh registry.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	messages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recmover",
			Name:      "messages_total",
			Help:      "Queue messages by terminal status.",
		},
		[]string{"status"},
	)
	stageFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recmover",
			Name:      "stage_failures_total",
			Help:      "Pipeline stage failures by error category.",
		},
		[]string{"stage", "category"},
	)
	transferBytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recmover",
			Name:      "transfer_bytes_total",
			Help:      "Bytes verified at the destination store.",
		},
	)
	for _, c := range []prometheus.Collector{messages, stageFailures, transferBytes} {
		reg.MustRegister(c)
	}
	return &Metrics{
		messages:      messages,
		stageFailures: stageFailures,
		transferBytes: transferBytes,
	}
}

func (m *Metrics) observeOutcome(status string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(status).Inc()
}

func (m *Metrics) observeFailure(stage, category string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage, category).Inc()
}

func (m *Metrics) observeBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.transferBytes.Add(float64(n))
}
