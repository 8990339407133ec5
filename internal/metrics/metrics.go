package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mining_accrual"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	queueEnqueued     *prometheus.CounterVec
	queueAttempts     *prometheus.CounterVec
	queueDelivered    *prometheus.CounterVec
	queueRetries      *prometheus.CounterVec
	queueDeadLettered *prometheus.CounterVec
	queueDropped      prometheus.Counter
	queueDepth        prometheus.Gauge

	claims     *prometheus.CounterVec
	reconciles *prometheus.CounterVec

	activeSessions prometheus.Gauge
	ticks          prometheus.Counter
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.queueEnqueued = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_enqueued_total",
			Help:      "operations persisted to the sync queue",
		},
		[]string{"kind"},
	)
	m.queueAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_attempts_total",
			Help:      "delivery attempts against the remote ledger",
		},
		[]string{"kind"},
	)
	m.queueDelivered = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_delivered_total",
			Help:      "operations delivered and removed from the queue",
		},
		[]string{"kind"},
	)
	m.queueRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_retries_total",
			Help:      "failed attempts kept pending for another try",
		},
		[]string{"kind"},
	)
	m.queueDeadLettered = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_dead_lettered_total",
			Help:      "operations moved to the dead-letter table",
		},
		[]string{"kind"},
	)
	m.queueDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_dropped_total",
			Help:      "refresh operations dropped after a failure",
		},
	)
	m.queueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_pending_last_drain",
			Help:      "pending operations seen by the most recent drain",
		},
	)
	m.claims = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "claim requests by outcome",
		},
		[]string{"status"},
	)
	m.reconciles = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "reconciliation passes by result",
		},
		[]string{"result"},
	)
	m.activeSessions = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "user sessions with a running accrual clock",
		},
	)
	m.ticks = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accrual_ticks_total",
			Help:      "accrual ticks that advanced at least one stake",
		},
	)

	return m
}

func (m *Metrics) Enqueued(kind string) {
	if m != nil {
		m.queueEnqueued.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Attempt(kind string) {
	if m != nil {
		m.queueAttempts.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Delivered(kind string) {
	if m != nil {
		m.queueDelivered.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Retry(kind string) {
	if m != nil {
		m.queueRetries.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) DeadLettered(kind string) {
	if m != nil {
		m.queueDeadLettered.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.queueDropped.Inc()
	}
}

func (m *Metrics) PendingDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) Claim(status string) {
	if m != nil {
		m.claims.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Reconcile(result string) {
	if m != nil {
		m.reconciles.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Metrics) SessionStopped() {
	if m != nil {
		m.activeSessions.Dec()
	}
}

func (m *Metrics) Tick() {
	if m != nil {
		m.ticks.Inc()
	}
}
