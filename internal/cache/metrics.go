package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var evictions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "egnn_cache_evictions_total",
	Help: "Predictions evicted from the result cache",
})
