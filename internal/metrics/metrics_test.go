package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Enqueued("balance_update")
	m.Enqueued("balance_update")
	m.DeadLettered("activity_append")
	m.Claim("confirmed")
	m.Reconcile("ok")
	m.SessionStarted()
	m.SessionStarted()
	m.SessionStopped()
	m.PendingDepth(7)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.queueEnqueued.WithLabelValues("balance_update")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.queueDeadLettered.WithLabelValues("activity_append")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.claims.WithLabelValues("confirmed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.queueDepth))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Enqueued("x")
		m.Attempt("x")
		m.Delivered("x")
		m.Retry("x")
		m.DeadLettered("x")
		m.Dropped()
		m.PendingDepth(1)
		m.Claim("x")
		m.Reconcile("x")
		m.SessionStarted()
		m.SessionStopped()
		m.Tick()
	})
}
