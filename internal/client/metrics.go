package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// circuitState is 0 closed, 1 open, 2 half-open
	circuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "egnn_forward_circuit_state",
		Help: "State of the forwarding circuit breaker (0 closed, 1 open, 2 half-open)",
	})

	forwardsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "egnn_forward_rejected_total",
		Help: "Forwards skipped because the circuit breaker was open",
	})
)
