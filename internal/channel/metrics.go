package channel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	channelsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npu_channels_open",
		Help: "Data channels currently initialized on the device",
	})

	channelItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npu_channel_datasets_total",
		Help: "Datasets moved through data channels",
	}, []string{"direction"})
)
