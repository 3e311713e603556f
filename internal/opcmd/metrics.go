package opcmd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npu_commands_submitted_total",
		Help: "Device commands submitted, by operator and mode",
	}, []string{"op", "mode"})

	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "npu_command_duration_seconds",
		Help:    "Time from submission to return of Run",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})
)
