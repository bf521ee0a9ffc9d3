// Package observability holds the Prometheus instrumentation for the
// ingestion pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// namespace prefixes every metric name.
const namespace = "nwpd"

// Metrics holds the Prometheus counters, histograms and gauges for one
// pipeline instance.
type Metrics struct {
	// Run level.
	UnitsTotal *prometheus.CounterVec // labels: provider, state={merged,failed}
	RunActive  prometheus.Gauge

	// Fetch stage.
	FetchFiles    *prometheus.CounterVec // labels: provider, outcome={staged,reused,failed}
	FetchRetries  *prometheus.CounterVec // labels: provider
	FetchBytes    *prometheus.CounterVec // labels: provider
	FetchInFlight prometheus.Gauge
	FetchDuration *prometheus.HistogramVec // labels: provider

	// Decode and normalize stages.
	DecodeErrors     *prometheus.CounterVec // labels: provider
	SchemaMismatches *prometheus.CounterVec // labels: provider

	// Store stage.
	ChunkWrites   prometheus.Counter
	ChunkSkips    prometheus.Counter
	MergeDuration prometheus.Histogram
}

// New creates the pipeline metrics and registers them with reg. A nil reg
// means the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		UnitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Ingestion units by provider and final state.",
		}, []string{"provider", "state"}),
		RunActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consume_running",
			Help:      "1 while a consume run is active, 0 otherwise.",
		}),
		FetchFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_files_total",
			Help:      "Raw files by provider and fetch outcome.",
		}, []string{"provider", "outcome"}),
		FetchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Download attempts beyond the first, by provider.",
		}, []string{"provider"}),
		FetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_bytes_total",
			Help:      "Bytes staged from providers.",
		}, []string{"provider"}),
		FetchInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetch_in_flight",
			Help:      "Downloads currently holding a fetch slot.",
		}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time to stage one raw file, including retries.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"provider"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Staged files that failed to decode, by provider.",
		}, []string{"provider"}),
		SchemaMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_mismatches_total",
			Help:      "Decoded fields outside the provider's expected schema.",
		}, []string{"provider"}),
		ChunkWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_writes_total",
			Help:      "Chunk files rewritten by merges.",
		}),
		ChunkSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_write_skips_total",
			Help:      "Merges skipped because the chunk already held the rows.",
		}),
		MergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_duration_seconds",
			Help:      "Duration of one array merge into the store.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.UnitsTotal,
		m.RunActive,
		m.FetchFiles,
		m.FetchRetries,
		m.FetchBytes,
		m.FetchInFlight,
		m.FetchDuration,
		m.DecodeErrors,
		m.SchemaMismatches,
		m.ChunkWrites,
		m.ChunkSkips,
		m.MergeDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics on a fresh registry so parallel
// tests never trip "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return New(prometheus.NewRegistry())
}
