package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	enqueuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repcue",
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Operations added to the retry queue, by priority.",
	}, []string{"priority"})

	coalescedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "repcue",
		Subsystem: "queue",
		Name:      "coalesced_total",
		Help:      "Enqueues that replaced the payload of an already queued record.",
	})

	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "repcue",
		Subsystem: "queue",
		Name:      "delivered_total",
		Help:      "Operations removed from the queue after successful delivery.",
	})

	failureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repcue",
		Subsystem: "queue",
		Name:      "failures_total",
		Help:      "Failed delivery attempts, by outcome.",
	}, []string{"outcome"})

	depthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "repcue",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Operations waiting in the retry queue at the last stats call.",
	})
)

func init() {
	prometheus.MustRegister(enqueuedCounter, coalescedCounter, deliveredCounter, failureCounter, depthGauge)
}
