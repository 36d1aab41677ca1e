package btree

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks buffer pool and rebalance activity.
type Metrics struct {
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	splits      prometheus.Counter
	merges      prometheus.Counter
}

// NewMetrics registers btree metrics against reg; a nil registry produces
// unregistered, still-usable counters.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rivendb_btree_cache_hits_total",
			Help: "Buffer pool fetches served from cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rivendb_btree_cache_misses_total",
			Help: "Buffer pool fetches that required a page read.",
		}),
		splits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rivendb_btree_node_splits_total",
			Help: "Node splits performed.",
		}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rivendb_btree_node_merges_total",
			Help: "Node merges performed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cacheHits, m.cacheMisses, m.splits, m.merges)
	}
	return m
}
