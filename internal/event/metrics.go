package event

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npu_events_pending",
		Help: "Completion events waiting to be reclaimed",
	})

	eventsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npu_events_reclaimed_total",
		Help: "Events destroyed by the background reclaim pass",
	})

	eventsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npu_events_requeued_total",
		Help: "Times an incomplete event was put back for a later pass",
	})

	eventsDrained = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npu_events_drained_total",
		Help: "Events destroyed synchronously by a drain",
	})
)
