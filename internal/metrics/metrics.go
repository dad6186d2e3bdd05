// Package metrics provides Prometheus metrics for scanning, watching and search
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "lpi"

	bucketStart1ms = 0.001
	bucketFactor2  = 2
	bucketCount15  = 15
)

// File outcomes
const (
	OutcomeParsed  = "parsed"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Per-file stages
const (
	StageFingerprint = "fingerprint"
	StageExtract     = "extract"
	StageUpsert      = "upsert"
)

// Metrics holds the indexer's Prometheus collectors. All methods are safe
// to call on a nil *Metrics.
type Metrics struct {
	filesTotal       *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	scansTotal       *prometheus.CounterVec
	scanDuration     prometheus.Histogram
	scanActive       prometheus.Gauge
	watchEventsTotal *prometheus.CounterVec
	searchesTotal    *prometheus.CounterVec
	searchDuration   prometheus.Histogram
	searchResults    prometheus.Histogram

	collectors []prometheus.Collector
}

// New creates the indexer metrics and registers them on registry
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.filesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_files_total",
			Help:      "Project files handled by scans and watchers",
		},
		[]string{"outcome"},
	)
	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_stage_duration_seconds",
			Help:      "Time spent per file in each scan stage",
			Buckets:   prometheus.ExponentialBuckets(bucketStart1ms, bucketFactor2, bucketCount15),
		},
		[]string{"stage"},
	)
	m.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scans by terminal state",
		},
		[]string{"state"},
	)
	m.scanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of complete scans",
			Buckets:   prometheus.ExponentialBuckets(0.1, bucketFactor2, bucketCount15),
		},
	)
	m.scanActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scan_active",
			Help:      "1 while a scan is running",
		},
	)
	m.watchEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_events_total",
			Help:      "File-watcher events handled",
		},
		[]string{"op"},
	)
	m.searchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Search queries by status",
		},
		[]string{"status"},
	)
	m.searchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Time to compile, execute and rank a query",
			Buckets:   prometheus.ExponentialBuckets(bucketStart1ms, bucketFactor2, bucketCount15),
		},
	)
	m.searchResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Matches per query before pagination",
			Buckets:   prometheus.ExponentialBuckets(1, bucketFactor2, 12),
		},
	)

	m.collectors = []prometheus.Collector{
		m.filesTotal, m.stageDuration, m.scansTotal, m.scanDuration, m.scanActive,
		m.watchEventsTotal, m.searchesTotal, m.searchDuration, m.searchResults,
	}
}

// Describe implements the Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordFile counts one file outcome
func (m *Metrics) RecordFile(outcome string) {
	if m == nil {
		return
	}
	m.filesTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records the time one file spent in a stage
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ScanStarted marks a scan as running
func (m *Metrics) ScanStarted() {
	if m == nil {
		return
	}
	m.scanActive.Set(1)
}

// ScanFinished records the terminal state and duration of a scan
func (m *Metrics) ScanFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.scanActive.Set(0)
	m.scansTotal.WithLabelValues(state).Inc()
	m.scanDuration.Observe(d.Seconds())
}

// RecordWatchEvent counts one handled watcher event
func (m *Metrics) RecordWatchEvent(op string) {
	if m == nil {
		return
	}
	m.watchEventsTotal.WithLabelValues(op).Inc()
}

// RecordSearch records one query
func (m *Metrics) RecordSearch(status string, d time.Duration, results int) {
	if m == nil {
		return
	}
	m.searchesTotal.WithLabelValues(status).Inc()
	m.searchDuration.Observe(d.Seconds())
	if status == "ok" {
		m.searchResults.Observe(float64(results))
	}
}
