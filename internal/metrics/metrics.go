package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Slice metrics
	SliceRuns      *prometheus.CounterVec
	StageFailures  *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	FactsExtracted prometheus.Counter
	SkippedFacts   *prometheus.CounterVec
	HourlyRows     prometheus.Counter
	LastSliceEnd   prometheus.Gauge

	// Refresh metrics
	RefreshedDates   prometheus.Counter
	RefreshConflicts prometheus.Counter
	AggregateRows    *prometheus.CounterVec

	// Archive metrics
	ArchiveRuns *prometheus.CounterVec
	PrunedFacts prometheus.Counter

	// Reporting metrics
	ReportRequests *prometheus.CounterVec
	ReportLatency  prometheus.Histogram

	// System metrics
	DBConnections *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SliceRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slice_runs_total",
				Help:      "Incremental slice runs by final state",
			},
			[]string{"state"},
		),
		StageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slice_stage_failures_total",
				Help:      "Slice failures by pipeline stage",
			},
			[]string{"stage"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "slice_stage_duration_seconds",
				Help:      "Duration of each pipeline stage",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"stage"},
		),
		FactsExtracted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "facts_extracted_total",
				Help:      "Raw events read by the extract stage",
			},
		),
		SkippedFacts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skipped_facts_total",
				Help:      "Malformed facts skipped, by kind",
			},
			[]string{"kind"},
		),
		HourlyRows: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hourly_rows_loaded_total",
				Help:      "Hourly bucket rows upserted",
			},
		),
		LastSliceEnd: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_loaded_slice_end_timestamp_seconds",
				Help:      "End of the most recent fully refreshed slice",
			},
		),
		RefreshedDates: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refreshed_dates_total",
				Help:      "Dates whose aggregates were replaced",
			},
		),
		RefreshConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_conflicts_total",
				Help:      "Dates discarded because a newer refresh already wrote them",
			},
		),
		AggregateRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregate_rows_written_total",
				Help:      "Aggregate rows written, by table",
			},
			[]string{"table"},
		),
		ArchiveRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_runs_total",
				Help:      "Daily archive runs by status",
			},
			[]string{"status"},
		),
		PrunedFacts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pruned_facts_total",
				Help:      "Raw facts deleted by retention",
			},
		),
		ReportRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_requests_total",
				Help:      "Metrics queries by cache outcome",
			},
			[]string{"cache"},
		),
		ReportLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "report_latency_seconds",
				Help:      "Metrics query latency",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		DBConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "PostgreSQL pool connections by state",
			},
			[]string{"state"},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSlice records the final state of a slice run.
func (m *Metrics) RecordSlice(state string, sliceEnd time.Time) {
	if m == nil {
		return
	}
	m.SliceRuns.WithLabelValues(state).Inc()
	if state == "refreshed" {
		m.LastSliceEnd.Set(float64(sliceEnd.Unix()))
	}
}

// RecordStage records how long a stage took and whether it failed.
func (m *Metrics) RecordStage(stage string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(took.Seconds())
	if err != nil {
		m.StageFailures.WithLabelValues(stage).Inc()
	}
}

// RecordExtract records the number of facts read.
func (m *Metrics) RecordExtract(facts int) {
	if m == nil {
		return
	}
	m.FactsExtracted.Add(float64(facts))
}

// RecordSkipped records malformed facts.
func (m *Metrics) RecordSkipped(events, conversions int) {
	if m == nil {
		return
	}
	if events > 0 {
		m.SkippedFacts.WithLabelValues("event").Add(float64(events))
	}
	if conversions > 0 {
		m.SkippedFacts.WithLabelValues("conversion").Add(float64(conversions))
	}
}

// RecordLoad records upserted hourly rows.
func (m *Metrics) RecordLoad(rows int) {
	if m == nil {
		return
	}
	m.HourlyRows.Add(float64(rows))
}

// RecordRefresh records replaced and discarded dates plus rows per table.
func (m *Metrics) RecordRefresh(replaced, discarded int, rowsByTable map[string]int) {
	if m == nil {
		return
	}
	m.RefreshedDates.Add(float64(replaced))
	m.RefreshConflicts.Add(float64(discarded))
	for table, n := range rowsByTable {
		m.AggregateRows.WithLabelValues(table).Add(float64(n))
	}
}

// RecordArchive records a daily archive run.
func (m *Metrics) RecordArchive(err error, pruned int64) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ArchiveRuns.WithLabelValues(status).Inc()
	m.PrunedFacts.Add(float64(pruned))
}

// RecordReport records a metrics query. cache is hit, miss or off.
func (m *Metrics) RecordReport(cache string, took time.Duration) {
	if m == nil {
		return
	}
	m.ReportRequests.WithLabelValues(cache).Inc()
	m.ReportLatency.Observe(took.Seconds())
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	if m == nil {
		return
	}
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}
