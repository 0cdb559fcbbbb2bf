package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsUpdates(t *testing.T) {
	Init()

	startTrades := testutil.ToFloat64(tradesCreated.WithLabelValues("BTC_USD"))
	startOrders := testutil.ToFloat64(ordersProcessed.WithLabelValues("BTC_USD", "OK"))
	startDropped := testutil.ToFloat64(eventsDropped)

	ObserveMatchingLatency("BTC_USD", 25*time.Millisecond)
	AddTradesCreated("BTC_USD", 3)
	AddTradesCreated("BTC_USD", 0)
	IncOrdersProcessed("BTC_USD", "OK")
	SetOrderbookDepth("BTC_USD", "buy", 12)
	IncEventsDropped()

	if got := testutil.ToFloat64(tradesCreated.WithLabelValues("BTC_USD")); got != startTrades+3 {
		t.Fatalf("trades_created_total mismatch: got %v want %v", got, startTrades+3)
	}
	if got := testutil.ToFloat64(ordersProcessed.WithLabelValues("BTC_USD", "OK")); got != startOrders+1 {
		t.Fatalf("orders_processed_total mismatch: got %v want %v", got, startOrders+1)
	}
	if got := testutil.ToFloat64(orderbookDepth.WithLabelValues("BTC_USD", "buy")); got != 12 {
		t.Fatalf("orderbook_depth mismatch: got %v want 12", got)
	}
	if got := testutil.ToFloat64(eventsDropped); got != startDropped+1 {
		t.Fatalf("events_dropped_total mismatch: got %v want %v", got, startDropped+1)
	}
}

func TestStreamMetrics(t *testing.T) {
	Init()

	start := testutil.ToFloat64(streamDLQ.WithLabelValues("s", "g"))
	IncStreamDLQ("s", "g")
	SetStreamPending("s", "g", 7)

	if got := testutil.ToFloat64(streamDLQ.WithLabelValues("s", "g")); got != start+1 {
		t.Fatalf("matching_stream_dlq_total mismatch: got %v want %v", got, start+1)
	}
	if got := testutil.ToFloat64(streamPending.WithLabelValues("s", "g")); got != 7 {
		t.Fatalf("matching_stream_pending mismatch: got %v want 7", got)
	}
}

func TestHandlerRegistersMetrics(t *testing.T) {
	Handler()
	AddTradesCreated("TATA_INR", 1)
	SetOrderbookDepth("TATA_INR", "sell", 7)
	IncOrdersProcessed("TATA_INR", "INVALID_REQUEST")
	ObserveMatchingLatency("TATA_INR", 10*time.Millisecond)
	ObserveSnapshot("ok", 5*time.Millisecond)
	IncPublishError("redis")

	count, err := testutil.GatherAndCount(
		registry,
		"matching_latency_seconds",
		"trades_created_total",
		"orders_processed_total",
		"orderbook_depth",
		"snapshot_writes_total",
		"snapshot_duration_seconds",
		"publish_errors_total",
	)
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if count < 7 {
		t.Fatalf("expected metrics to be registered, got count %d", count)
	}
}
