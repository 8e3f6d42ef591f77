package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics records payment lifecycle and webhook dispatch activity.
type GatewayMetrics struct {
	intentsCreated *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	settlements    *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	deliveryDelay  prometheus.Histogram
}

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// Metrics returns the lazily-initialised gateway metrics registry.
func Metrics() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			intentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paygate",
				Subsystem: "intent",
				Name:      "created_total",
				Help:      "Payment intents created, segmented by settlement currency.",
			}, []string{"settlement_currency"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paygate",
				Subsystem: "intent",
				Name:      "transitions_total",
				Help:      "Lifecycle transition attempts segmented by event and outcome.",
			}, []string{"event", "outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paygate",
				Subsystem: "settlement",
				Name:      "confirmations_total",
				Help:      "On-chain confirmation signals segmented by disposition.",
			}, []string{"disposition"}),
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "paygate",
				Subsystem: "webhook",
				Name:      "deliveries_total",
				Help:      "Webhook delivery attempts segmented by outcome.",
			}, []string{"outcome"}),
			deliveryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "paygate",
				Subsystem: "webhook",
				Name:      "delivery_delay_seconds",
				Help:      "Time from event commit to successful delivery.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.intentsCreated,
			gatewayRegistry.transitions,
			gatewayRegistry.settlements,
			gatewayRegistry.deliveries,
			gatewayRegistry.deliveryDelay,
		)
	})
	return gatewayRegistry
}

// IntentCreated counts a successful intent creation.
func (m *GatewayMetrics) IntentCreated(settlementCurrency string) {
	if m == nil {
		return
	}
	m.intentsCreated.WithLabelValues(settlementCurrency).Inc()
}

// TransitionCommitted counts a transition that won its race.
func (m *GatewayMetrics) TransitionCommitted(event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event, "committed").Inc()
}

// TransitionRejected counts a transition refused by the state machine.
func (m *GatewayMetrics) TransitionRejected(event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event, "rejected").Inc()
}

// SettlementObserved counts a confirmation signal by disposition
// (confirmed, pending, mismatch, replay, unknown).
func (m *GatewayMetrics) SettlementObserved(disposition string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(disposition).Inc()
}

// DeliveryOutcome counts one webhook POST outcome (success, failure, dead).
func (m *GatewayMetrics) DeliveryOutcome(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

// DeliveryDelay observes commit-to-delivery latency in seconds.
func (m *GatewayMetrics) DeliveryDelay(seconds float64) {
	if m == nil {
		return
	}
	m.deliveryDelay.Observe(seconds)
}
