package predict

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "egnn_cache_hits_total",
		Help: "Total prediction cache hits",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "egnn_cache_misses_total",
		Help: "Total prediction cache misses",
	})

	// nanBatches counts batches discarded for non-finite output
	nanBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "egnn_nan_batches_total",
		Help: "Total batches discarded because the output was not finite",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "egnn_batch_duration_seconds",
		Help:    "Time spent running one collated batch through the model",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	batchCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "egnn_batches_total",
		Help: "Total batches run through the model",
	})

	structuresProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "egnn_structures_processed_total",
		Help: "Total structures run through the model",
	})
	atomsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "egnn_atoms_processed_total",
		Help: "Total atoms run through the model",
	})
)
