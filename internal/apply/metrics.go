package apply

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Apply metrics
	applyActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "converge",
			Subsystem: "apply",
			Name:      "actions_total",
			Help:      "Total number of applied actions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	applyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "converge",
			Subsystem: "apply",
			Name:      "duration_seconds",
			Help:      "Duration of a full apply run in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		},
	)

	// Provider metrics
	providerCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "converge",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Total number of provider calls by kind, operation and result",
		},
		[]string{"kind", "operation", "result"},
	)

	providerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "converge",
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Latency of provider calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"kind", "operation"},
	)

	// State metrics
	stateWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "converge",
			Subsystem: "state",
			Name:      "writes_total",
			Help:      "Total number of state writes by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		applyActionsTotal,
		applyDuration,
		providerCallsTotal,
		providerCallDuration,
		stateWritesTotal,
	)
}

// recordActionMetric records one finished action.
func recordActionMetric(action, outcome string) {
	applyActionsTotal.WithLabelValues(action, outcome).Inc()
}

// recordApplyDurationMetric records the duration of a full apply run.
func recordApplyDurationMetric(seconds float64) {
	applyDuration.Observe(seconds)
}

// recordProviderCallMetric records one provider call.
func recordProviderCallMetric(kind, operation, result string, seconds float64) {
	providerCallsTotal.WithLabelValues(kind, operation, result).Inc()
	providerCallDuration.WithLabelValues(kind, operation).Observe(seconds)
}

// recordStateWriteMetric records one state write attempt.
func recordStateWriteMetric(result string) {
	stateWritesTotal.WithLabelValues(result).Inc()
}

// Metrics helper methods that check enableMetrics before recording.
// These eliminate the repeated `if e.enableMetrics` pattern at call sites.

func (e *Engine) recordAction(action, outcome string) {
	if e.enableMetrics {
		recordActionMetric(action, outcome)
	}
}

func (e *Engine) recordApplyDuration(seconds float64) {
	if e.enableMetrics {
		recordApplyDurationMetric(seconds)
	}
}

func (e *Engine) recordProviderCall(kind, operation, result string, seconds float64) {
	if e.enableMetrics {
		recordProviderCallMetric(kind, operation, result, seconds)
	}
}

func (e *Engine) recordStateWrite(result string) {
	if e.enableMetrics {
		recordStateWriteMetric(result)
	}
}
