package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wudi/breakerstats/internal/stats"
)

// Exporter publishes rolling-window snapshots as Prometheus gauges
type Exporter struct {
	windowEvents *prometheus.GaugeVec
	latency      *prometheus.GaugeVec
	latencyMean  *prometheus.GaugeVec
	open         *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
}

// NewExporter creates the breakerstats collectors and registers them on reg
func NewExporter(reg prometheus.Registerer) (*Exporter, error) {
	e := &Exporter{
		windowEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "breakerstats_window_events",
				Help: "Events counted in the rolling window",
			},
			[]string{"breaker", "event"},
		),
		latency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "breakerstats_latency_ms",
				Help: "Latency percentiles over the rolling window in milliseconds",
			},
			[]string{"breaker", "quantile"},
		),
		latencyMean: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "breakerstats_latency_mean_ms",
				Help: "Mean latency over the rolling window in milliseconds",
			},
			[]string{"breaker"},
		),
		open: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "breakerstats_open",
				Help: "Circuit open (1) or closed (0) in the current bucket",
			},
			[]string{"breaker"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "breakerstats_state_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
	}

	for _, c := range []prometheus.Collector{e.windowEvents, e.latency, e.latencyMean, e.open, e.transitions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Listener returns a snapshot listener that updates the gauges for breaker name
func (e *Exporter) Listener(name string) stats.Listener {
	return stats.ListenerFunc(func(s stats.Stats) {
		e.Observe(name, s)
	})
}

// Observe sets every gauge for name from s
func (e *Exporter) Observe(name string, s stats.Stats) {
	for _, kind := range stats.EventKinds() {
		e.windowEvents.WithLabelValues(name, kind.String()).Set(float64(s.Count(kind)))
	}

	// Disabled percentiles report -1 and are exported as is
	for _, q := range stats.Quantiles {
		v, _ := s.Percentile(q)
		e.latency.WithLabelValues(name, formatQuantile(q)).Set(v)
	}
	e.latencyMean.WithLabelValues(name).Set(s.LatencyMean)

	open := 0.0
	if s.IsCircuitBreakerOpen {
		open = 1
	}
	e.open.WithLabelValues(name).Set(open)
}

// RecordTransition counts a circuit breaker state change
func (e *Exporter) RecordTransition(name, from, to string) {
	e.transitions.WithLabelValues(name, from, to).Inc()
}

// Forget drops every series for name
func (e *Exporter) Forget(name string) {
	labels := prometheus.Labels{"breaker": name}
	e.windowEvents.DeletePartialMatch(labels)
	e.latency.DeletePartialMatch(labels)
	e.latencyMean.DeletePartialMatch(labels)
	e.open.DeletePartialMatch(labels)
	e.transitions.DeletePartialMatch(labels)
}

func formatQuantile(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}
