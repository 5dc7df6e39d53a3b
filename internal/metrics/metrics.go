package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborfanout_jobs_published_total",
			Help: "Total number of fan-out jobs published to NSQ.",
		},
	)

	FanoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfanout_fanouts_total",
			Help: "Total number of fan-out calls by overall result.",
		},
		[]string{"result"}, // success, partial, failed, noop
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfanout_attempts_total",
			Help: "Total number of single-endpoint delivery attempts by status.",
		},
		[]string{"status"}, // delivered, failed
	)

	AttemptLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harborfanout_attempt_latency_seconds",
			Help:    "Latency of single-endpoint delivery attempts.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
	)

	AttemptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfanout_attempt_failures_total",
			Help: "Total number of failed delivery attempts by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	EndpointsSuppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborfanout_endpoints_suppressed_total",
			Help: "Total number of endpoints skipped because of recent failures.",
		},
	)

	EndpointsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfanout_endpoints_dropped_total",
			Help: "Total number of endpoints dropped before dispatch by reason.",
		},
		[]string{"reason"}, // cap, malformed
	)

	HealthEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfanout_health_evictions_total",
			Help: "Total number of endpoint health entries evicted by reason.",
		},
		[]string{"reason"}, // ttl, capacity
	)

	HealthEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborfanout_health_entries",
			Help: "Number of endpoints currently tracked by the health cache.",
		},
	)

	JobRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborfanout_job_retries_total",
			Help: "Total number of fan-out jobs requeued after total failure.",
		},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfanout_dlq_total",
			Help: "Total number of fan-out jobs moved to the DLQ by reason.",
		},
		[]string{"reason"},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborfanout_nsq_topic_depth",
			Help: "Depth of NSQ channels as reported by nsqd.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		JobsPublishedTotal,
		FanoutsTotal,
		AttemptsTotal,
		AttemptLatencySeconds,
		AttemptFailuresTotal,
		EndpointsSuppressedTotal,
		EndpointsDroppedTotal,
		HealthEvictionsTotal,
		HealthEntries,
		JobRetriesTotal,
		DLQTotal,
		NSQTopicDepth,
	)
}

func RecordJobPublished() {
	JobsPublishedTotal.Inc()
}

func RecordFanout(result string) {
	FanoutsTotal.WithLabelValues(result).Inc()
}

// RecordAttempt records one delivery attempt. reason is ignored for delivered attempts.
func RecordAttempt(delivered bool, reason string, latency time.Duration) {
	AttemptLatencySeconds.Observe(latency.Seconds())
	if delivered {
		AttemptsTotal.WithLabelValues("delivered").Inc()
		return
	}
	AttemptsTotal.WithLabelValues("failed").Inc()
	AttemptFailuresTotal.WithLabelValues(reason).Inc()
}

func RecordSuppressed() {
	EndpointsSuppressedTotal.Inc()
}

func RecordDropped(reason string, n int) {
	if n <= 0 {
		return
	}
	EndpointsDroppedTotal.WithLabelValues(reason).Add(float64(n))
}

func RecordHealthEviction(reason string) {
	HealthEvictionsTotal.WithLabelValues(reason).Inc()
}

func SetHealthEntries(n int) {
	HealthEntries.Set(float64(n))
}

func RecordJobRetry() {
	JobRetriesTotal.Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
