// Package metrics exposes Prometheus collectors for chat turns and memory
// activity. Every recorder is safe to call on a nil *Metrics, so components
// can run without metrics wired in.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mnemo"

// Turn outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeErrored   = "errored"
	OutcomeAborted   = "aborted"
)

// Context retrieval outcomes.
const (
	RetrievalHit     = "hit"
	RetrievalEmpty   = "empty"
	RetrievalTimeout = "timeout"
)

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	gatherer prometheus.Gatherer

	turnsTotal         *prometheus.CounterVec
	turnDuration       *prometheus.HistogramVec
	contextRetrievals  *prometheus.CounterVec
	memoriesStored     prometheus.Counter
	extractionFailures *prometheus.CounterVec
	batchesEmitted     *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg gets a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	m.turnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of chat turns by outcome",
		},
		[]string{"outcome"},
	)

	m.turnDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Chat turn duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	m.contextRetrievals = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_retrievals_total",
			Help:      "Memory context retrievals by outcome",
		},
		[]string{"outcome"},
	)

	m.memoriesStored = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_stored_total",
			Help:      "Total number of memory records stored",
		},
	)

	m.extractionFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_failures_total",
			Help:      "Memory write path failures by stage",
		},
		[]string{"stage"},
	)

	m.batchesEmitted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_batches_total",
			Help:      "Token batches delivered to the message by stream",
		},
		[]string{"stream"},
	)

	return m
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordContextRetrieval records how a context lookup ended.
func (m *Metrics) RecordContextRetrieval(outcome string) {
	if m == nil {
		return
	}
	m.contextRetrievals.WithLabelValues(outcome).Inc()
}

// RecordMemoriesStored adds n stored records.
func (m *Metrics) RecordMemoriesStored(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.memoriesStored.Add(float64(n))
}

// RecordExtractionFailure counts a failure at stage (extract, embed, store).
func (m *Metrics) RecordExtractionFailure(stage string) {
	if m == nil {
		return
	}
	m.extractionFailures.WithLabelValues(stage).Inc()
}

// RecordBatch counts one emitted batch for stream (content, reasoning).
func (m *Metrics) RecordBatch(stream string) {
	if m == nil {
		return
	}
	m.batchesEmitted.WithLabelValues(stream).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
