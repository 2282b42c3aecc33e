package blockstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level promauto collectors, grounded on friggdb.go's
// metricBlocklistErrors/metricBlocklistPolls style. A Prometheus
// registerer is a single process-wide namespace, so these are declared
// once here rather than per Store instance (a construction-time struct
// of collectors would attempt to re-register the same metric name on a
// second Open and panic). Values aggregate across every Store open in
// the process, matching internal/workpool's queue-length gauge.
var (
	metricPuts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvtier",
		Subsystem: "blockstore",
		Name:      "puts_total",
		Help:      "Total blocks written to the block store.",
	})
	metricGets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvtier",
		Subsystem: "blockstore",
		Name:      "gets_total",
		Help:      "Total blocks read from the block store.",
	})
	metricMigrations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvtier",
		Subsystem: "blockstore",
		Name:      "migrations_total",
		Help:      "Total blocks migrated from local to remote tier.",
	})
	metricBudgetRejects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kvtier",
		Subsystem: "blockstore",
		Name:      "budget_rejects_total",
		Help:      "Total puts rejected because no tier had room.",
	})
	metricLocalBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvtier",
		Subsystem: "blockstore",
		Name:      "local_bytes",
		Help:      "Bytes currently occupied on the local tier.",
	})
	metricRemoteBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvtier",
		Subsystem: "blockstore",
		Name:      "remote_bytes",
		Help:      "Bytes currently occupied on the remote tier.",
	})
)
