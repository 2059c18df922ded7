package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "raster_pipeline"

// Metrics holds the Prometheus counters, histograms, and gauges for the raster pipeline.
type Metrics struct {
	JobsConsumed      prometheus.Counter
	ArtifactsExported prometheus.Counter
	JobErrors         *prometheus.CounterVec // labels: reason={invalid,insufficient,not_found,io,other}
	PipelineRunning   prometheus.Gauge

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Raster generation and export.
	InterpolationDuration *prometheus.HistogramVec // labels: method={linear,idw,kriging}
	ExportDuration        prometheus.Histogram
	ExportBytes           prometheus.Histogram
	MirrorErrors          prometheus.Counter

	// Tile serving.
	TileRequests       *prometheus.CounterVec // labels: outcome={ok,no_data,invalid,error}
	TileCache          *prometheus.CounterVec // labels: result={hit,miss}
	TileRenderDuration prometheus.Histogram

	// Telemetry ingest.
	MeasurementsIngested *prometheus.CounterVec // labels: outcome={stored,invalid,error}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all pipeline metrics and registers them with reg.
// One-shot commands pass a private registry since nothing scrapes them.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(
		m.JobsConsumed,
		m.ArtifactsExported,
		m.JobErrors,
		m.PipelineRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.InterpolationDuration,
		m.ExportDuration,
		m.ExportBytes,
		m.MirrorErrors,
		m.TileRequests,
		m.TileCache,
		m.TileRenderDuration,
		m.MeasurementsIngested,
	)
	return m
}

func newMetrics() *Metrics {
	return &Metrics{
		JobsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_consumed_total",
			Help:      "Total raster jobs read from the job topic.",
		}),
		ArtifactsExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_exported_total",
			Help:      "Total COG artifacts written and recorded.",
		}),
		JobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_errors_total",
			Help:      "Raster jobs skipped by failure reason.",
		}, []string{"reason"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of jobs per batch extracted from Kafka.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete batch extract-generate-load cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		InterpolationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "interpolation_duration_seconds",
			Help:      "Grid interpolation duration by method.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"method"}),
		ExportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "export_duration_seconds",
			Help:      "Duration of writing and recording one COG.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		ExportBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "export_bytes",
			Help:      "Size of exported COG files.",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 4, 8),
		}),
		MirrorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_errors_total",
			Help:      "Failed uploads of exported COGs to object storage.",
		}),
		TileRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tile_requests_total",
			Help:      "Tile requests by outcome.",
		}, []string{"outcome"}),
		TileCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tile_cache_total",
			Help:      "Rendered tile cache lookups by result.",
		}, []string{"result"}),
		TileRenderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tile_render_duration_seconds",
			Help:      "Duration of rendering one PNG tile.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		MeasurementsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "measurements_ingested_total",
			Help:      "Station measurements received over MQTT by outcome.",
		}, []string{"outcome"}),
	}
}

// NewMetricsForTesting creates unregistered Metrics to avoid "already
// registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
