package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	FanoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborguard_fanouts_total",
			Help: "Total number of events fanned out, by tenant.",
		},
		[]string{"tenant_id"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborguard_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome", "tenant_id"}, // delivered, http_error, network_error, blocked, panic
	)

	BlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborguard_blocked_total",
			Help: "Total number of delivery attempts rejected before any network call, by reason.",
		},
		[]string{"reason"},
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborguard_delivery_latency_seconds",
			Help:    "Wall-clock time from dispatch start to outcome.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"tenant_id"},
	)

	HTTPDeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborguard_http_delivery_duration_seconds",
			Help:    "Duration of deliveries that produced an HTTP response, by status code.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant_id", "status_code"},
	)

	RecordFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborguard_record_failures_total",
			Help: "Total number of delivery records that could not be persisted.",
		},
	)

	FanoutsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborguard_fanouts_in_flight",
			Help: "Number of fan-outs currently dispatching.",
		},
	)

	// Total queue backlog - what we really care about
	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborguard_queue_backlog",
			Help: "Number of fan-out triggers waiting on the worker channel.",
		},
	)

	ChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborguard_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	ChannelInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborguard_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		FanoutsTotal,
		DeliveriesTotal,
		BlockedTotal,
		DeliveryLatencySeconds,
		HTTPDeliveryDuration,
		RecordFailuresTotal,
		FanoutsInFlight,
		QueueBacklog,
		ChannelDepth,
		ChannelInFlight,
	)
}

func RecordFanout(tenantID string) {
	FanoutsTotal.WithLabelValues(tenantID).Inc()
}

func RecordDelivery(outcome, tenantID string, d time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome, tenantID).Inc()
	DeliveryLatencySeconds.WithLabelValues(tenantID).Observe(d.Seconds())
}

func RecordHTTPDelivery(tenantID, statusCode string, d time.Duration) {
	HTTPDeliveryDuration.WithLabelValues(tenantID, statusCode).Observe(d.Seconds())
}

func RecordBlocked(reason string) {
	BlockedTotal.WithLabelValues(reason).Inc()
}

func RecordPersistFailure() {
	RecordFailuresTotal.Inc()
}

// RecordChannel publishes the depth and in-flight count of one NSQ channel.
// The worker channel's depth also feeds the backlog gauge.
func RecordChannel(topic, channel string, depth, inFlight int64, isWorker bool) {
	ChannelDepth.WithLabelValues(topic, channel).Set(float64(depth))
	ChannelInFlight.WithLabelValues(topic, channel).Set(float64(inFlight))
	if isWorker {
		QueueBacklog.Set(float64(depth))
	}
}
