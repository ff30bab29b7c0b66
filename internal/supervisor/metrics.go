package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	restartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phpxd_supervisor_restarts_total",
		Help: "Total worker replacements scheduled after a crash.",
	})

	crashLoopsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phpxd_supervisor_crash_loops_total",
		Help: "Total crash-loop circuit breaker trips.",
	})

	brokenSlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "phpxd_supervisor_broken_slots",
		Help: "Pool slots currently left unfilled by the crash-loop breaker.",
	})
)

func init() {
	prometheus.MustRegister(restartsTotal, crashLoopsTotal, brokenSlots)
}
