package syncer

import "github.com/prometheus/client_golang/prometheus"

var (
	phaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repcue",
		Subsystem: "sync",
		Name:      "phases_total",
		Help:      "Sync phases run, by phase and result.",
	}, []string{"phase", "result"})

	recordCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repcue",
		Subsystem: "sync",
		Name:      "records_total",
		Help:      "Records handled by sync, by kind and outcome.",
	}, []string{"kind", "outcome"})
)

func init() {
	prometheus.MustRegister(phaseCounter, recordCounter)
}

func observePhase(phase string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	phaseCounter.WithLabelValues(phase, result).Inc()
}
