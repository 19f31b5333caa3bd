package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the terminal's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	FeedEvents       *prometheus.CounterVec
	FeedDropped      *prometheus.CounterVec
	FeedConnections  prometheus.Gauge
	FeedResubscribes *prometheus.CounterVec

	PollLatencyMs *prometheus.HistogramVec
	PollFailures  *prometheus.CounterVec
	StoreStale    *prometheus.GaugeVec

	OrdersSubmitted *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FeedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrader_feed_events_total",
			Help: "Normalized market events delivered to subscribers",
		}, []string{"channel"}),

		FeedDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrader_feed_dropped_total",
			Help: "Feed payloads dropped before delivery",
		}, []string{"channel", "reason"}),

		FeedConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "papertrader_feed_connections",
			Help: "Currently open streaming connections",
		}),

		FeedResubscribes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrader_feed_resubscribes_total",
			Help: "Subscriptions re-opened by their owner",
		}, []string{"channel", "reason"}),

		PollLatencyMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "papertrader_poll_latency_ms",
			Help:    "Latency of REST polls in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"component"}),

		PollFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrader_poll_failures_total",
			Help: "Failed REST polls by component",
		}, []string{"component"}),

		StoreStale: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "papertrader_store_stale",
			Help: "1 when a store is serving stale data",
		}, []string{"store"}),

		OrdersSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrader_orders_submitted_total",
			Help: "Order submissions by trade type and outcome",
		}, []string{"trade_type", "outcome"}),
	}
}

func (m *Metrics) RecordFeedEvent(channel string) {
	if m == nil {
		return
	}
	m.FeedEvents.WithLabelValues(channel).Inc()
}

func (m *Metrics) RecordFeedDropped(channel, reason string) {
	if m == nil {
		return
	}
	m.FeedDropped.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.FeedConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.FeedConnections.Dec()
}

func (m *Metrics) RecordResubscribe(channel, reason string) {
	if m == nil {
		return
	}
	m.FeedResubscribes.WithLabelValues(channel, reason).Inc()
}

// ObservePoll records the latency of a poll that started at start, and counts
// it as a failure when err is non-nil.
func (m *Metrics) ObservePoll(component string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.PollLatencyMs.WithLabelValues(component).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		m.PollFailures.WithLabelValues(component).Inc()
	}
}

func (m *Metrics) SetStale(store string, stale bool) {
	if m == nil {
		return
	}
	v := 0.0
	if stale {
		v = 1
	}
	m.StoreStale.WithLabelValues(store).Set(v)
}

func (m *Metrics) RecordOrder(tradeType, outcome string) {
	if m == nil {
		return
	}
	m.OrdersSubmitted.WithLabelValues(tradeType, outcome).Inc()
}
