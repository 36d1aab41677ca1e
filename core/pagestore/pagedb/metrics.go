package pagedb

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes PageDb's commit/allocation counters, following the
// teacher's pkg/telemetry pattern of a constructor-registered metrics
// struct rather than package-global collectors.
type Metrics struct {
	commits prometheus.Counter
	allocs  prometheus.Counter
}

// NewMetrics registers PageDb's counters against reg. A nil reg produces
// unregistered, still-usable counters.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rivendb_pagedb_commits_total",
			Help: "Number of completed two-header commits.",
		}),
		allocs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rivendb_pagedb_page_allocs_total",
			Help: "Number of pages allocated.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.commits, m.allocs)
	}
	return m
}
