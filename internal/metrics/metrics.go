package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relay"

var (
	PublishAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_attempts_total",
			Help:      "Channel publish attempts by channel and outcome",
		},
		[]string{"channel", "outcome"}, // success|transient|permanent|remote_rate_limited|timeout
	)

	PublishResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_results_total",
			Help:      "Final per-channel publish results by channel and error kind",
		},
		[]string{"channel", "kind"}, // ok|<error kind>
	)

	Jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Publish jobs by terminal status",
		},
		[]string{"status"},
	)

	RateLimitRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limit_remaining",
			Help:      "Publishes left in the rolling hour window",
		},
		[]string{"channel"},
	)

	ChannelAuthenticated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_authenticated",
			Help:      "1 when the channel authenticated successfully",
		},
		[]string{"channel"},
	)

	PublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Latency of a full channel publish including retries",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	RenderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_duration_seconds",
			Help:      "Latency of rendering content for all target channels",
			Buckets:   prometheus.DefBuckets,
		},
	)

	WatcherRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_records_total",
			Help:      "Upstream records seen by the watcher by outcome",
		},
		[]string{"outcome"}, // submitted|filtered|duplicate|malformed|deferred|ignored|submit_error
	)

	WatcherHighWaterMark = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watcher_high_water_mark_seconds",
			Help:      "Unix time of the newest processed upstream record",
		},
	)

	WatcherFetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_fetch_errors_total",
			Help:      "Upstream fetch errors by kind",
		},
		[]string{"kind"}, // rate_limited|error
	)

	StreamLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watcher_stream_lag_messages",
			Help:      "Messages the consumer group is behind on the incident topic",
		},
	)

	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts emitted by severity",
		},
		[]string{"severity"},
	)
)

// MustRegister registers every collector on r. Collectors already
// registered on r are left alone so worker and serve can share a process.
func MustRegister(r prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		PublishAttempts,
		PublishResults,
		Jobs,
		RateLimitRemaining,
		ChannelAuthenticated,
		PublishDuration,
		RenderDuration,
		WatcherRecords,
		WatcherHighWaterMark,
		WatcherFetchErrors,
		StreamLag,
		Alerts,
	} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}
