// Package metrics exposes the bridge's Prometheus counters and a small
// HTTP server for /metrics and /health.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "efergy"

// Metrics holds the bridge collectors. A nil *Metrics is valid and records
// nothing, so callers that do not care about metrics can pass nil.
type Metrics struct {
	linesRead         prometheus.Counter
	linesSkipped      *prometheus.CounterVec
	outOfRange        prometheus.Counter
	published         prometheus.Counter
	publishFailures   *prometheus.CounterVec
	lastWatts         prometheus.Gauge
	pipelineState     *prometheus.GaugeVec
	stateMu           sync.Mutex
	currentStateLabel string
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		linesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decoder_lines_total",
			Help:      "Lines read from the decoder output.",
		}),
		linesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decoder_lines_skipped_total",
			Help:      "Decoder lines that did not yield a reading, by reason.",
		}, []string{"reason"}),
		outOfRange: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_out_of_range_total",
			Help:      "Readings dropped for falling outside the accepted range.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_published_total",
			Help:      "Readings delivered to the broker.",
		}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Readings that could not be delivered, by failure kind.",
		}, []string{"kind"}),
		lastWatts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumption_watts",
			Help:      "Last consumption value handed to the publisher.",
		}),
		pipelineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_state",
			Help:      "1 for the current pipeline state, 0 otherwise.",
		}, []string{"state"}),
	}

	for _, c := range []prometheus.Collector{
		m.linesRead, m.linesSkipped, m.outOfRange, m.published,
		m.publishFailures, m.lastWatts, m.pipelineState,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) LineRead() {
	if m == nil {
		return
	}
	m.linesRead.Inc()
}

// LineSkipped counts a line rejected before validation, e.g. "no_match",
// "field_count" or "decode".
func (m *Metrics) LineSkipped(reason string) {
	if m == nil {
		return
	}
	m.linesSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) OutOfRange() {
	if m == nil {
		return
	}
	m.outOfRange.Inc()
}

// Published records a delivered reading and its value.
func (m *Metrics) Published(watts float64) {
	if m == nil {
		return
	}
	m.published.Inc()
	m.lastWatts.Set(watts)
}

func (m *Metrics) PublishFailed(kind string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(kind).Inc()
}

// SetState moves the state gauge to state, clearing the previous one.
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if m.currentStateLabel != "" && m.currentStateLabel != state {
		m.pipelineState.WithLabelValues(m.currentStateLabel).Set(0)
	}
	m.pipelineState.WithLabelValues(state).Set(1)
	m.currentStateLabel = state
}
