// Package metrics defines the Prometheus collectors exported by the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector. Each instance owns its registry so tests
// can create as many as they need.
type Metrics struct {
	Registry *prometheus.Registry

	Info            *prometheus.GaugeVec
	CyclesTotal     *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	RowsFetched     prometheus.Counter
	RowsWritten     *prometheus.CounterVec
	StationsSkipped prometheus.Counter
	FetchErrors     *prometheus.CounterVec
	MergeRetries    prometheus.Counter
	CleanupFailures prometheus.Counter
	LastSuccess     prometheus.Gauge
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New(version string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		Registry: reg,
		Info: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aqingest_info",
			Help: "Build information.",
		}, []string{"version"}),
		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aqingest_cycles_total",
			Help: "Ingestion cycles by outcome.",
		}, []string{"outcome"}), // ingested, no_new_data, failed
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "aqingest_cycle_duration_seconds",
			Help:    "Duration of ingestion cycles.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		RowsFetched: f.NewCounter(prometheus.CounterOpts{
			Name: "aqingest_rows_fetched_total",
			Help: "Rows produced by the station fetch orchestrator.",
		}),
		RowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aqingest_rows_written_total",
			Help: "Rows written to the sink by kind.",
		}, []string{"kind"}), // inserted, updated
		StationsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "aqingest_stations_skipped_total",
			Help: "Stations that returned no data in a cycle.",
		}),
		FetchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aqingest_fetch_errors_total",
			Help: "Failed provider requests by source.",
		}, []string{"source"}),
		MergeRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "aqingest_merge_retries_total",
			Help: "Merge attempts repeated because of contention.",
		}),
		CleanupFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "aqingest_staging_cleanup_failures_total",
			Help: "Staging tables that could not be dropped.",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "aqingest_last_success_timestamp_seconds",
			Help: "Unix time of the last cycle that completed without error.",
		}),
	}
	m.Info.WithLabelValues(version).Set(1)
	return m
}
