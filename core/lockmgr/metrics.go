package lockmgr

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the lock manager's counters the way the teacher wires
// prometheus in pkg/telemetry: constructed once, handed to the component,
// never touching a package-global registry.
type Metrics struct {
	grants    prometheus.Counter
	waiters   prometheus.Counter
	deadlocks prometheus.Counter
}

// NewMetrics registers the lock manager's counters against reg. Pass a
// fresh *prometheus.Registry, or call with nil Manager metrics to disable
// instrumentation entirely.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		grants: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rivendb_lock_grants_total",
			Help: "Number of lock acquisitions granted without deadlock.",
		}),
		waiters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rivendb_lock_waiters_total",
			Help: "Number of times an acquisition had to park on the wait queue.",
		}),
		deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rivendb_lock_deadlocks_total",
			Help: "Number of acquisitions refused due to a detected deadlock.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.grants, m.waiters, m.deadlocks)
	}
	return m
}
