package termlog

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks term log throughput and gap activity for a PageDb-adjacent
// prometheus registry.
type Metrics struct {
	bytesWritten prometheus.Counter
	gaps         prometheus.Counter
}

// NewMetrics registers term log metrics against reg. A nil registry
// produces unregistered, still-usable counters, matching the pattern used
// by pagedb.NewMetrics and lockmgr.NewMetrics.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rivendb_termlog_bytes_written_total",
			Help: "Total bytes appended to term logs.",
		}),
		gaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rivendb_termlog_gaps_detected_total",
			Help: "Total missing-data gaps reported by CheckForMissingData.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.bytesWritten, m.gaps)
	}
	return m
}
