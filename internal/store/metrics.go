package store

import "github.com/prometheus/client_golang/prometheus"

var (
	writeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repcue",
		Subsystem: "store",
		Name:      "writes_total",
		Help:      "Local writes grouped by kind and operation.",
	}, []string{"kind", "op"})

	fallbackCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repcue",
		Subsystem: "store",
		Name:      "fallback_writes_total",
		Help:      "Writes that degraded to the in-memory fallback after a storage fault.",
	}, []string{"kind"})

	fallbackGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "repcue",
		Subsystem: "store",
		Name:      "fallback_records",
		Help:      "Records currently held only in the in-memory fallback.",
	})

	nameRepairCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repcue",
		Subsystem: "store",
		Name:      "name_repairs_total",
		Help:      "Denormalized parent names repaired on read.",
	}, []string{"kind"})

	undecodableCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repcue",
		Subsystem: "store",
		Name:      "undecodable_rows_total",
		Help:      "Stored rows skipped on read because they could not be decoded.",
	}, []string{"kind"})

	conflictCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repcue",
		Subsystem: "store",
		Name:      "conflicts_total",
		Help:      "Remote states applied against a dirty local record, by resolution action.",
	}, []string{"kind", "action"})
)

func init() {
	prometheus.MustRegister(writeCounter, fallbackCounter, fallbackGauge, nameRepairCounter, undecodableCounter, conflictCounter)
}
