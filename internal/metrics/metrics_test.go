package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecording(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := New(registry)
	require.NoError(t, err)

	m.RecordFile(OutcomeParsed)
	m.RecordFile(OutcomeParsed)
	m.RecordFile(OutcomeFailed)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.filesTotal.WithLabelValues(OutcomeParsed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.filesTotal.WithLabelValues(OutcomeFailed)))

	m.ScanStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scanActive))
	m.ScanFinished("completed", time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.scanActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scansTotal.WithLabelValues("completed")))

	m.RecordWatchEvent("created")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.watchEventsTotal.WithLabelValues("created")))

	m.RecordSearch("ok", 5*time.Millisecond, 3)
	m.RecordSearch("syntax_error", time.Millisecond, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.searchesTotal.WithLabelValues("syntax_error")))

	m.ObserveStage(StageExtract, 20*time.Millisecond)
	count, err := testutil.GatherAndCount(registry, "lpi_scan_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetricsDoubleRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := New(registry)
	require.NoError(t, err)
	_, err = New(registry)
	assert.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordFile(OutcomeSkipped)
		m.ObserveStage(StageUpsert, time.Millisecond)
		m.ScanStarted()
		m.ScanFinished("cancelled", time.Second)
		m.RecordWatchEvent("deleted")
		m.RecordSearch("ok", time.Millisecond, 1)
	})
}
