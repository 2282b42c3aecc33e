package pagemanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricHostSpills counts rows spilled from the host-resident LRU to
// the Block Store, declared once at package init for the same reason
// blockstore's collectors are: a registerer is process-wide, so a
// per-Manager construction-time struct would panic on a second New in
// the same process.
var metricHostSpills = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kvtier",
	Subsystem: "pagemanager",
	Name:      "host_spills_total",
	Help:      "Total KV rows spilled from pinned host memory to the block store.",
})
