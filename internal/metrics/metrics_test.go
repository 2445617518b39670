package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordTurn(OutcomeCompleted, 2*time.Second)
	m.RecordTurn(OutcomeCompleted, time.Second)
	m.RecordTurn(OutcomeAborted, time.Second)
	m.RecordContextRetrieval(RetrievalTimeout)
	m.RecordMemoriesStored(3)
	m.RecordMemoriesStored(0)
	m.RecordExtractionFailure("embed")
	m.RecordBatch("content")
	m.RecordBatch("content")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.turnsTotal.WithLabelValues(OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turnsTotal.WithLabelValues(OutcomeAborted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.contextRetrievals.WithLabelValues(RetrievalTimeout)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.memoriesStored))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.extractionFailures.WithLabelValues("embed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.batchesEmitted.WithLabelValues("content")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordTurn(OutcomeErrored, time.Second)
		m.RecordContextRetrieval(RetrievalHit)
		m.RecordMemoriesStored(1)
		m.RecordExtractionFailure("extract")
		m.RecordBatch("reasoning")
	})
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordMemoriesStored(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mnemo_memories_stored_total 2")
}
