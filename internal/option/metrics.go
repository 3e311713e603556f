package option

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var optionSets = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "npu_option_sets_total",
	Help: "Option Set calls by option and outcome",
}, []string{"option", "result"})
