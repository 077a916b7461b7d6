package leafdb

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors an Environment updates as it
// runs. Collectors() hands them out for registration with a registry of the
// caller's choosing;
// nothing is registered globally so multiple environments in one process
// don't collide.
type Metrics struct {
	CommitDuration prometheus.Histogram
	DirtyPages     prometheus.Gauge
	ReaderSlots    prometheus.Gauge
	FreePages      prometheus.Gauge
	Commits        prometheus.Counter
	Aborts         prometheus.Counter
}

func newMetrics(namespace string) *Metrics {
	return &Metrics{
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Time to durably publish a write transaction.",
			Buckets:   prometheus.DefBuckets,
		}),
		DirtyPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commit_dirty_pages",
			Help:      "Number of pages rewritten by the most recent commit.",
		}),
		ReaderSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reader_slots_occupied",
			Help:      "Occupied slots in the reader table.",
		}),
		FreePages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "free_pages",
			Help:      "Pages currently reusable by a future writer.",
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Write transactions successfully committed.",
		}),
		Aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aborts_total",
			Help:      "Write transactions rolled back.",
		}),
	}
}

// Collectors returns every collector so the caller can register them
// against their own prometheus.Registerer.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CommitDuration,
		m.DirtyPages,
		m.ReaderSlots,
		m.FreePages,
		m.Commits,
		m.Aborts,
	}
}
