package scheduler

import "github.com/prometheus/client_golang/prometheus"

var Prom_dispatched = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "irrigation_dispatch_total",
		Help: "Actions taken off the pending mask by the arbiter",
	},
	[]string{"action"},
)

var Prom_dropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "irrigation_dropped_total",
		Help: "Actions dropped because a worker of that kind was running",
	},
	[]string{"worker"},
)

var Prom_workerErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "irrigation_worker_errors_total",
		Help: "Workers that ended with an error (bus faults, sensor failures)",
	},
	[]string{"worker"},
)

var Prom_pumpRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "irrigation_pump_runs_total",
		Help: "Watering runs by mode",
	},
	[]string{"mode"},
)

func init() {
	prometheus.MustRegister(
		Prom_dispatched,
		Prom_dropped,
		Prom_workerErrors,
		Prom_pumpRuns)
}
