package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquiredCounter tracks attempts that reached the held state.
	AcquiredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zlock_acquired_total",
		Help: "Total number of lock acquisitions",
	}, []string{"mode"})
	// TimeoutCounter tracks TryLock calls whose wait expired.
	TimeoutCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zlock_timeouts_total",
		Help: "Total number of bounded lock waits that timed out",
	}, []string{"mode"})
	// CancelCounter tracks attempts cancelled before acquisition.
	CancelCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zlock_cancelled_total",
		Help: "Total number of cancelled lock attempts",
	}, []string{"mode"})
	// ReleaseCounter tracks successful unlocks.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zlock_released_total",
		Help: "Total number of lock releases",
	}, []string{"mode"})
	// HeldGauge reports the number of locks currently held by this process.
	HeldGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zlock_held",
		Help: "Current number of locks held",
	}, []string{"mode"})
	// WaitHistogram observes the time from registration to acquisition.
	WaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zlock_wait_seconds",
		Help:    "Time spent waiting for a lock",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the zlock collectors on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquiredCounter, TimeoutCounter, CancelCounter, ReleaseCounter, HeldGauge, WaitHistogram)
}
