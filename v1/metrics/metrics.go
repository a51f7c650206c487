package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquiredCounter tracks the number of uniqueness locks acquired.
	AcquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uniq_locks_acquired_total",
		Help: "Total number of uniqueness locks acquired",
	})
	// DuplicateCounter tracks the number of enqueues rejected as duplicates.
	DuplicateCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uniq_duplicates_total",
		Help: "Total number of enqueues rejected by a held lock",
	})
	// ReleasedCounter tracks the number of locks released after execution.
	ReleasedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uniq_locks_released_total",
		Help: "Total number of uniqueness locks released",
	})
	// StoreErrorCounter tracks lock store failures.
	StoreErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uniq_store_errors_total",
		Help: "Total number of lock store failures",
	})
	// RunningGauge reports the number of job bodies currently executing.
	RunningGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "uniq_jobs_running",
		Help: "Current number of executing job bodies",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the uniq core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquiredCounter, DuplicateCounter, ReleasedCounter, StoreErrorCounter, RunningGauge)
}
