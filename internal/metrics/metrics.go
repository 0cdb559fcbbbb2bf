package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	matchingLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matching_latency_seconds",
		Help:    "Latency of order matching and settlement in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"market"})
	tradesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trades_created_total",
			Help: "Total number of trades created.",
		},
		[]string{"market"},
	)
	ordersProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_processed_total",
			Help: "Total number of order requests by result code.",
		},
		[]string{"market", "result"},
	)
	orderbookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orderbook_depth",
			Help: "Current number of price levels in the orderbook.",
		},
		[]string{"market", "side"},
	)
	invariantViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invariant_violations_total",
			Help: "Total number of detected book or balance invariant violations.",
		},
		[]string{"market"},
	)
	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_dropped_total",
		Help: "Total number of events dropped because the outbox was full or closed.",
	})
	publishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publish_errors_total",
			Help: "Total number of event publish failures.",
		},
		[]string{"sink"},
	)
	snapshotWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_writes_total",
			Help: "Total number of snapshot writes by result.",
		},
		[]string{"result"},
	)
	snapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapshot_duration_seconds",
		Help:    "Duration of snapshot copy and write in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	streamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matching_stream_errors_total",
			Help: "Total number of request stream processing errors.",
		},
		[]string{"stream", "group"},
	)
	streamPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matching_stream_pending",
			Help: "Pending messages in the request stream consumer group.",
		},
		[]string{"stream", "group"},
	)
	streamDLQ = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matching_stream_dlq_total",
			Help: "Total number of request messages moved to the DLQ.",
		},
		[]string{"stream", "group"},
	)
)

// Init registers metrics with the registry once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			matchingLatency,
			tradesCreated,
			ordersProcessed,
			orderbookDepth,
			invariantViolations,
			eventsDropped,
			publishErrors,
			snapshotWrites,
			snapshotDuration,
			streamErrors,
			streamPending,
			streamDLQ,
		)
	})
}

// Handler exposes the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveMatchingLatency records a matching latency duration for a market.
func ObserveMatchingLatency(market string, d time.Duration) {
	Init()
	matchingLatency.WithLabelValues(market).Observe(d.Seconds())
}

// AddTradesCreated increments the trades created counter for a market by n.
func AddTradesCreated(market string, n int) {
	Init()
	if n <= 0 {
		return
	}
	tradesCreated.WithLabelValues(market).Add(float64(n))
}

// IncOrdersProcessed counts an order request outcome.
func IncOrdersProcessed(market, result string) {
	Init()
	ordersProcessed.WithLabelValues(market, result).Inc()
}

// SetOrderbookDepth sets the current number of levels for a market and side.
func SetOrderbookDepth(market, side string, levels float64) {
	Init()
	orderbookDepth.WithLabelValues(market, side).Set(levels)
}

func IncInvariantViolation(market string) {
	Init()
	invariantViolations.WithLabelValues(market).Inc()
}

func IncEventsDropped() {
	Init()
	eventsDropped.Inc()
}

func IncPublishError(sink string) {
	Init()
	publishErrors.WithLabelValues(sink).Inc()
}

// ObserveSnapshot records one snapshot attempt.
func ObserveSnapshot(result string, d time.Duration) {
	Init()
	snapshotWrites.WithLabelValues(result).Inc()
	snapshotDuration.Observe(d.Seconds())
}

func IncStreamError(stream, group string) {
	Init()
	streamErrors.WithLabelValues(stream, group).Inc()
}

func SetStreamPending(stream, group string, pending int64) {
	Init()
	streamPending.WithLabelValues(stream, group).Set(float64(pending))
}

func IncStreamDLQ(stream, group string) {
	Init()
	streamDLQ.WithLabelValues(stream, group).Inc()
}
