// Package metrics exposes the package-level Prometheus collectors the
// shard applier and the Index facade report through.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var AppliedRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "shardhash_applied_requests_total",
		Help: "Index requests applied by shard and request type",
	},
	[]string{"shard", "type"},
)

var ApplyErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "shardhash_apply_errors_total",
		Help: "Index request applier errors by shard and request type",
	},
	[]string{"shard", "type"},
)

var LiveEntries = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "shardhash_live_entries",
		Help: "Live (non-tombstoned) leaf entries per cache segment",
	},
	[]string{"segment"},
)

var FreeBytes = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "shardhash_free_bytes",
		Help: "Bytes tracked in a shard's free-block catalog",
	},
	[]string{"shard"},
)

var IndexFileSize = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "shardhash_index_file_size_bytes",
		Help: "Current high-water mark of a shard's index file",
	},
	[]string{"shard"},
)
