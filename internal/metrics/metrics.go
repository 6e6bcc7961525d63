package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	// Run lifecycle
	runsTotal        *prometheus.CounterVec
	runDuration      prometheus.Histogram
	connectionState  prometheus.Gauge
	selectionLatency prometheus.Gauge

	// Batch probing
	batchesIssued prometheus.Counter
	batchDuration prometheus.Histogram
	probesTotal   prometheus.Counter
	probesSuccess prometheus.Counter

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	c := &Collector{
		runsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of connection runs by outcome",
			},
			[]string{"outcome"},
		),
		runDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Connection run duration in seconds",
				Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		connectionState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Current connection state (0=disconnected, 1=connecting, 2=testing, 3=connected)",
			},
		),
		selectionLatency: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "selection_latency_ms",
				Help:      "Latency of the currently selected candidate in milliseconds",
			},
		),
		batchesIssued: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_issued_total",
				Help:      "Total number of probe batches issued",
			},
		),
		batchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Probe batch duration in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		probesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of candidates probed",
			},
		),
		probesSuccess: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_success_total",
				Help:      "Total number of successful candidate probes",
			},
		),
		apiRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

func (c *Collector) RecordRun(outcome string, duration time.Duration) {
	c.runsTotal.WithLabelValues(outcome).Inc()
	c.runDuration.Observe(duration.Seconds())
}

func (c *Collector) SetConnectionState(state float64) {
	c.connectionState.Set(state)
}

func (c *Collector) SetSelectionLatency(latencyMs int64) {
	c.selectionLatency.Set(float64(latencyMs))
}

// RecordBatch satisfies the orchestrator's Observer contract.
func (c *Collector) RecordBatch(duration time.Duration, tested, succeeded int) {
	c.batchesIssued.Inc()
	c.batchDuration.Observe(duration.Seconds())
	c.probesTotal.Add(float64(tested))
	c.probesSuccess.Add(float64(succeeded))
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
