package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the pipeline's prometheus metrics.
type Collector struct {
	// Fetch metrics
	PagesFetchedTotal   *prometheus.CounterVec
	PageDuration        *prometheus.HistogramVec
	FetchErrorsTotal    *prometheus.CounterVec
	ThrottleEventsTotal prometheus.Counter
	WorkerWindow        prometheus.Gauge
	RowsFetchedTotal    *prometheus.CounterVec
	PartitionStates     *prometheus.GaugeVec

	// Processing metrics
	EventsAggregatedTotal prometheus.Counter
	EventsDiscardedTotal  *prometheus.CounterVec
	ProcessDuration       *prometheus.HistogramVec

	// Export metrics
	ExportRowsTotal   *prometheus.CounterVec
	ExportErrorsTotal prometheus.Counter
}

// NewCollector registers the pipeline metrics on a fresh registry and
// returns both. Tests use their own registry so metric registration never
// collides between cases.
func NewCollector(namespace string) (*Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		PagesFetchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_fetched_total",
				Help:      "Total pages fetched and made durable, by dataset",
			},
			[]string{"dataset"},
		),
		PageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "page_duration_seconds",
				Help:      "Upstream page request duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"dataset"},
		),
		FetchErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_errors_total",
				Help:      "Total fetch errors by dataset and kind",
			},
			[]string{"dataset", "kind"},
		),
		ThrottleEventsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttle_events_total",
				Help:      "Total upstream rate-limit responses observed",
			},
		),
		WorkerWindow: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "fetch_worker_window",
				Help:      "Current adaptive concurrency window",
			},
		),
		RowsFetchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_fetched_total",
				Help:      "Total rows fetched, by dataset",
			},
			[]string{"dataset"},
		),
		PartitionStates: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "partitions",
				Help:      "Partition count by state",
			},
			[]string{"state"},
		),
		EventsAggregatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_aggregated_total",
				Help:      "Total inspection events accepted into aggregation",
			},
		),
		EventsDiscardedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_discarded_total",
				Help:      "Total events discarded during normalization, by reason",
			},
			[]string{"reason"},
		),
		ProcessDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "process_stage_duration_seconds",
				Help:      "Processing stage duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"stage"},
		),
		ExportRowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_rows_total",
				Help:      "Total metric rows written to the export sink, by table",
			},
			[]string{"table"},
		),
		ExportErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "export_errors_total",
				Help:      "Total export sink failures",
			},
		),
	}

	return c, reg
}

// ObservePartitionStates replaces the partition state gauge with the given
// state counts.
func (c *Collector) ObservePartitionStates(counts map[string]int) {
	c.PartitionStates.Reset()
	for state, n := range counts {
		c.PartitionStates.WithLabelValues(state).Set(float64(n))
	}
}
