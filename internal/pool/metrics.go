package pool

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/phpx-sh/phpxd/internal/model"
)

var (
	workersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "phpxd_pool_workers",
			Help: "Number of workers in each state.",
		},
		[]string{"state"},
	)

	queueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phpxd_pool_queue_length",
			Help: "Current number of requests waiting in the admission queue.",
		},
	)

	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "phpxd_pool_queue_wait_seconds",
			Help:    "Time requests spend queued before a worker frees up, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	acquireRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phpxd_pool_admission_rejections_total",
			Help: "Requests rejected because the admission queue was full.",
		},
	)

	crashesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phpxd_pool_worker_crashes_total",
			Help: "Worker terminations by cause.",
		},
		[]string{"cause"},
	)

	generationGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phpxd_pool_generation",
			Help: "Current worker code generation, incremented on each reload.",
		},
	)
)

func init() {
	prometheus.MustRegister(workersByState)
	prometheus.MustRegister(queueLength)
	prometheus.MustRegister(queueWait)
	prometheus.MustRegister(acquireRejections)
	prometheus.MustRegister(crashesTotal)
	prometheus.MustRegister(generationGauge)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, state := range []string{model.StateStarting, model.StateIdle, model.StateBusy, model.StateDraining} {
		workersByState.WithLabelValues(state)
	}
	for _, cause := range []string{model.OutcomeTimeout, model.OutcomeCrash} {
		crashesTotal.WithLabelValues(cause)
	}
}
