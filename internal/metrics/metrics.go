package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	operationsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "operations_processed_total",
			Help:      "Queued operations replayed, by entity type and result.",
		},
		[]string{"entity_type", "result"},
	)

	operationsStalled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "operations_stalled_total",
			Help:      "Operations that exceeded the retry ceiling.",
		},
		[]string{"entity_type"},
	)

	operationsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fieldsync",
			Name:      "operations_pending",
			Help:      "Operations queued for every user, stalled ones included.",
		},
	)

	passDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fieldsync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of queue processing passes.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	pollTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "poll_ticks_total",
			Help:      "Delta polling ticks by outcome.",
		},
		[]string{"outcome"},
	)

	remoteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "remote_requests_total",
			Help:      "Requests sent to the remote system by endpoint and status class.",
		},
		[]string{"endpoint", "status"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			operationsProcessed,
			operationsStalled,
			operationsPending,
			passDuration,
			pollTicks,
			remoteRequests,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncOperation counts one replayed operation.
func IncOperation(entityType, result string) {
	operationsProcessed.WithLabelValues(entityType, result).Inc()
}

// IncStalled counts an operation that stalled.
func IncStalled(entityType string) {
	operationsStalled.WithLabelValues(entityType).Inc()
}

// SetPending records the queue depth.
func SetPending(n int) {
	operationsPending.Set(float64(n))
}

// ObservePass records the duration of a processing pass.
func ObservePass(d time.Duration) {
	passDuration.Observe(d.Seconds())
}

// IncPoll counts a polling tick outcome.
func IncPoll(outcome string) {
	pollTicks.WithLabelValues(outcome).Inc()
}

// IncRemote counts a remote request.
func IncRemote(endpoint, status string) {
	remoteRequests.WithLabelValues(endpoint, status).Inc()
}
