package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aq_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the loader.
type Metrics struct {
	RecordsReceived  prometheus.Counter
	RecordsDiscarded *prometheus.CounterVec // labels: reason
	RowsInserted     *prometheus.CounterVec // labels: entity={country,city,location,measurement}
	RowsExisting     *prometheus.CounterVec // labels: entity
	Updated          prometheus.Counter
	Conflicts        prometheus.Counter
	Runs             *prometheus.CounterVec // labels: status={success,failed}
	PipelineRunning  prometheus.Gauge

	BatchSize   prometheus.Histogram
	RunDuration prometheus.Histogram

	SummaryPublishErrors prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		RecordsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_received_total",
			Help:      "Raw records handed to the loader.",
		}),
		RecordsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_discarded_total",
			Help:      "Records dropped by the normalizer, by reason.",
		}, []string{"reason"}),
		RowsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_inserted_total",
			Help:      "Rows committed, by entity type.",
		}, []string{"entity"}),
		RowsExisting: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_already_present_total",
			Help:      "Candidate rows skipped because the key was already stored, by entity type.",
		}, []string{"entity"}),
		Updated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "measurements_updated_total",
			Help:      "Stored measurements overwritten under the overwrite conflict policy.",
		}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "measurement_conflicts_total",
			Help:      "Measurements reported with a value differing from an earlier one.",
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed load runs by terminal status.",
		}, []string{"status"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the consumer loop is active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of raw records per load run.",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 5000, 10000},
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete normalize-resolve-detect-write run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		SummaryPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_publish_errors_total",
			Help:      "Run summaries that could not be published.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RecordsReceived,
		m.RecordsDiscarded,
		m.RowsInserted,
		m.RowsExisting,
		m.Updated,
		m.Conflicts,
		m.Runs,
		m.PipelineRunning,
		m.BatchSize,
		m.RunDuration,
		m.SummaryPublishErrors,
	}
}

// NewMetrics creates and registers all loader metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics registered with a fresh registry to
// avoid "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}
