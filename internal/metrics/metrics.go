package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sage"

// Outcome labels for tool invocations.
const (
	OutcomeSuccess  = "success"
	OutcomeCacheHit = "cache_hit"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
)

// Cache lookup labels.
const (
	LookupHit         = "hit"
	LookupMiss        = "miss"
	LookupStale       = "stale"
	LookupUnavailable = "unavailable"
)

// Metrics holds the collectors for the research agent. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ToolInvocations    *prometheus.CounterVec
	ToolDuration       *prometheus.HistogramVec
	CacheLookups       *prometheus.CounterVec
	CacheWriteFailures prometheus.Counter
	OracleDecisions    *prometheus.CounterVec
	Sessions           *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	SessionIterations  prometheus.Histogram
	QualityScore       prometheus.Histogram
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ToolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Latency of live tool handler calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"tool"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		CacheWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_write_failures_total",
			Help:      "Cache writes that failed and were skipped.",
		}),
		OracleDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_decisions_total",
			Help:      "Oracle decisions by kind.",
		}, []string{"kind"}),
		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished research sessions by status.",
		}, []string{"status"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Research sessions currently running.",
		}),
		SessionIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_iterations",
			Help:      "Iterations taken per finished session.",
			Buckets:   prometheus.LinearBuckets(1, 2, 12),
		}),
		QualityScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_quality_score",
			Help:      "Final quality score per finished session.",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		}),
	}
}

func (m *Metrics) ObserveTool(tool, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(tool, outcome).Inc()
	if duration > 0 {
		m.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheWriteFailed() {
	if m == nil {
		return
	}
	m.CacheWriteFailures.Inc()
}

func (m *Metrics) OracleDecision(kind string) {
	if m == nil {
		return
	}
	m.OracleDecisions.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionFinished(status string, iterations int, score float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.Sessions.WithLabelValues(status).Inc()
	m.SessionIterations.Observe(float64(iterations))
	m.QualityScore.Observe(score)
}
