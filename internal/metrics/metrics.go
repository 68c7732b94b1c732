// Package metrics holds the Prometheus collectors exported by the turn engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "charchat"

type Metrics struct {
	Turns             *prometheus.CounterVec
	IndexFallbacks    prometheus.Counter
	IndexConflicts    prometheus.Counter
	ModelLatency      *prometheus.HistogramVec
	StatParseFailures prometheus.Counter
	EndingsFired      prometheus.Counter
	EventsRepaired    prometheus.Counter
	InflightTurns     prometheus.Gauge
}

// New registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Processed turns by outcome.",
		}, []string{"outcome"}),
		IndexFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_index_fallbacks_total",
			Help:      "Turn indices resolved from the message log instead of the state cache.",
		}),
		IndexConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_index_conflicts_total",
			Help:      "User message inserts rejected by the per-room turn uniqueness key.",
		}),
		ModelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_seconds",
			Help:      "Model inference latency.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"purpose"}),
		StatParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stat_block_parse_failures_total",
			Help:      "Model outputs whose stat block could not be parsed.",
		}),
		EndingsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endings_fired_total",
			Help:      "Branch endings fired.",
		}),
		EventsRepaired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_events_repaired_total",
			Help:      "Turn events whose required text had to be appended to the model output.",
		}),
		InflightTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turns_inflight",
			Help:      "Turns currently being processed.",
		}),
	}

	reg.MustRegister(
		m.Turns,
		m.IndexFallbacks,
		m.IndexConflicts,
		m.ModelLatency,
		m.StatParseFailures,
		m.EndingsFired,
		m.EventsRepaired,
		m.InflightTurns,
	)
	return m
}

// NewUnregistered returns collectors bound to a private registry, for tests.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
