package fallback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fallbackCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npu_fallback_calls_total",
		Help: "Operator calls relayed to the CPU",
	}, []string{"op"})

	fallbackAdvisories = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npu_fallback_advisories_total",
		Help: "Distinct operators that have fallen back to the CPU",
	})

	transferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npu_fallback_transfer_bytes_total",
		Help: "Bytes copied across the device boundary by the fallback path",
	}, []string{"direction"})
)
