package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashattn_tile_pool_hits_total",
		Help: "Total number of tile buffers served from the pool",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashattn_tile_pool_misses_total",
		Help: "Total number of tile buffer pool misses (allocations)",
	})

	poolBytesAllocated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashattn_tile_pool_allocated_bytes_total",
		Help: "Total bytes allocated for tile buffers after pool misses",
	})
)
