package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	simAllocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npu_sim_allocations_total",
		Help: "Total number of device tensor allocations",
	})

	simAllocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npu_sim_allocated_bytes",
		Help: "Device memory currently held by live tensors",
	})

	simKernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npu_sim_kernel_launches_total",
		Help: "Total number of commands submitted to the device stream",
	}, []string{"kernel"})

	simKernelFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npu_sim_kernel_failures_total",
		Help: "Total number of commands that failed on the device",
	}, []string{"kernel"})

	simLiveEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npu_sim_live_events",
		Help: "Completion events created and not yet destroyed",
	})
)
