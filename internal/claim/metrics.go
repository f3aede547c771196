package claim

import "github.com/prometheus/client_golang/prometheus"

var (
	claimCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repcue",
		Subsystem: "claim",
		Name:      "runs_total",
		Help:      "Ownership claim runs, by result.",
	}, []string{"result"})

	claimedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "repcue",
		Subsystem: "claim",
		Name:      "records_total",
		Help:      "Records assigned to an owner by a claim.",
	})
)

func init() {
	prometheus.MustRegister(claimCounter, claimedRecords)
}
