package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dispatchCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "npu_dispatch_calls_total",
	Help: "Operator kernels invoked, by dispatch key",
}, []string{"key"})
