package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfoliosync_api_calls_total",
			Help: "Total portal API calls by endpoint and outcome",
		},
		[]string{"endpoint", "status"},
	)

	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portfoliosync_api_latency_seconds",
			Help:    "Portal API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	APIRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfoliosync_api_retries_total",
			Help: "Portal API retries by endpoint and failure kind",
		},
		[]string{"endpoint", "kind"},
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "portfoliosync_circuit_breaker_state",
			Help: "Portal circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	RecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfoliosync_records_written_total",
			Help: "Records upserted into the store",
		},
		[]string{"entity"},
	)

	PagesCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfoliosync_pages_committed_total",
			Help: "Pages committed into the store",
		},
		[]string{"entity"},
	)

	EntityRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfoliosync_entity_runs_total",
			Help: "Entity sync outcomes",
		},
		[]string{"entity", "status"},
	)

	EntityLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portfoliosync_entity_last_success_timestamp_seconds",
			Help: "Unix time of the last successful sync per entity",
		},
		[]string{"entity"},
	)

	EntityWatermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portfoliosync_entity_watermark_timestamp_seconds",
			Help: "Current watermark per entity as unix time",
		},
		[]string{"entity"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portfoliosync_run_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"mode", "status"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfoliosync_runs_total",
			Help: "Sync runs by mode and outcome",
		},
		[]string{"mode", "status"},
	)
)

// Push sends the default registry to a Prometheus Pushgateway. Used by
// one-shot sync invocations that exit before a scrape could happen.
func Push(url, job string) error {
	if err := push.New(url, job).Gatherer(prometheus.DefaultGatherer).Push(); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
