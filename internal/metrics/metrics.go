// Package metrics holds the Prometheus collectors shared by the engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mevengine"

// Metrics groups every collector. A nil Registerer builds unregistered
// collectors, which is what tests use.
type Metrics struct {
	DroppedEvents    *prometheus.CounterVec
	FeedEvents       *prometheus.CounterVec
	FeedReconnects   *prometheus.CounterVec
	FeedDegraded     *prometheus.GaugeVec
	StageDuration    *prometheus.HistogramVec
	Opportunities    *prometheus.CounterVec
	IntentOutcomes   *prometheus.CounterVec
	SelectorTick     prometheus.Histogram
	InFlightIntents  prometheus.Gauge
	TradingHalted    prometheus.Gauge
	OracleUnreliable *prometheus.GaugeVec
}

// New builds and, when reg is not nil, registers the collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chainfeed", Name: "dropped_event_count",
			Help: "Events dropped from a full per-chain queue (oldest first).",
		}, []string{"chain_id"}),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chainfeed", Name: "events_total",
			Help: "Normalized chain events accepted.",
		}, []string{"chain_id", "kind"}),
		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chainfeed", Name: "reconnect_attempts_total",
			Help: "Failed connection attempts per chain.",
		}, []string{"chain_id"}),
		FeedDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chainfeed", Name: "degraded",
			Help: "1 when the chain feed is degraded.",
		}, []string{"chain_id"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "stage_duration_seconds",
			Help:    "Per-stage processing latency.",
			Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"stage"}),
		Opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "opportunities_total",
			Help: "Opportunities by type and lifecycle status.",
		}, []string{"type", "status"}),
		IntentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "execution", Name: "intent_outcomes_total",
			Help: "Terminal execution intent outcomes.",
		}, []string{"status"}),
		SelectorTick: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "selector", Name: "tick_duration_seconds",
			Help:    "Time spent selecting candidates per scheduling tick.",
			Buckets: []float64{.00005, .0001, .0005, .001, .005, .01, .025, .05},
		}),
		InFlightIntents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "execution", Name: "in_flight_intents",
			Help: "Non-terminal execution intents.",
		}),
		TradingHalted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "risk", Name: "trading_halted",
			Help: "1 while trading is halted.",
		}),
		OracleUnreliable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "oracle", Name: "pair_unreliable",
			Help: "1 when feeds disagree beyond the deviation threshold.",
		}, []string{"chain_id", "pair"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.DroppedEvents, m.FeedEvents, m.FeedReconnects, m.FeedDegraded,
			m.StageDuration, m.Opportunities, m.IntentOutcomes, m.SelectorTick,
			m.InFlightIntents, m.TradingHalted, m.OracleUnreliable,
		)
	}
	return m
}

// ObserveStage records the elapsed time since start for stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// ChainLabel formats a chain id as a label value.
func ChainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}

// BoolGauge converts b to a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
