package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	puts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npu_client_puts_total",
		Help: "Flight DoPut calls by result",
	}, []string{"result"})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npu_client_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	})
)
