package remote

import "github.com/prometheus/client_golang/prometheus"

var (
	requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repcue",
		Subsystem: "remote",
		Name:      "requests_total",
		Help:      "Remote API requests, by method and status code.",
	}, []string{"method", "code"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "repcue",
		Subsystem: "remote",
		Name:      "request_duration_seconds",
		Help:      "Latency of remote API requests that got a reply.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)

func init() {
	prometheus.MustRegister(requestCounter, requestDuration)
}
