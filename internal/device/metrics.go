package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "egnn_tensor_pool_hits_total",
		Help: "Total number of tensor retrievals served from the buffer pool",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "egnn_tensor_pool_misses_total",
		Help: "Total number of tensor pool misses (allocations)",
	})
)
