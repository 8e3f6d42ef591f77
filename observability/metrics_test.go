package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsSingleton(t *testing.T) {
	first := Metrics()
	second := Metrics()
	require.NotNil(t, first)
	require.Same(t, first, second)
}

func TestCountersIncrement(t *testing.T) {
	m := Metrics()

	before := testutil.ToFloat64(m.intentsCreated.WithLabelValues("USDC"))
	m.IntentCreated("USDC")
	m.IntentCreated("USDC")
	require.Equal(t, before+2, testutil.ToFloat64(m.intentsCreated.WithLabelValues("USDC")))

	committed := testutil.ToFloat64(m.transitions.WithLabelValues("confirm", "committed"))
	rejected := testutil.ToFloat64(m.transitions.WithLabelValues("confirm", "rejected"))
	m.TransitionCommitted("confirm")
	m.TransitionRejected("confirm")
	require.Equal(t, committed+1, testutil.ToFloat64(m.transitions.WithLabelValues("confirm", "committed")))
	require.Equal(t, rejected+1, testutil.ToFloat64(m.transitions.WithLabelValues("confirm", "rejected")))

	dead := testutil.ToFloat64(m.deliveries.WithLabelValues("dead"))
	m.DeliveryOutcome("dead")
	require.Equal(t, dead+1, testutil.ToFloat64(m.deliveries.WithLabelValues("dead")))

	replay := testutil.ToFloat64(m.settlements.WithLabelValues("replay"))
	m.SettlementObserved("replay")
	require.Equal(t, replay+1, testutil.ToFloat64(m.settlements.WithLabelValues("replay")))
}

func TestNilReceiverSafe(t *testing.T) {
	var m *GatewayMetrics
	require.NotPanics(t, func() {
		m.IntentCreated("USDC")
		m.TransitionCommitted("confirm")
		m.TransitionRejected("confirm")
		m.SettlementObserved("confirmed")
		m.DeliveryOutcome("success")
		m.DeliveryDelay(0.5)
	})
}
