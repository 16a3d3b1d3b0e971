package slot

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "slot",
			Name:      "loads_total",
			Help:      "Successful model loads",
		},
	)
	loadFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "slot",
			Name:      "load_failures_total",
			Help:      "Failed model loads by kind",
		},
		[]string{"kind"},
	)
	unloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "slot",
			Name:      "unloads_total",
			Help:      "Model unloads",
		},
	)
	inferenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "slot",
			Name:      "inference_duration_seconds",
			Help:      "Duration of completed inferences in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
	inferenceFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "slot",
			Name:      "inference_failures_total",
			Help:      "Failed inferences by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, loadFailuresTotal, unloadsTotal,
		inferenceDuration, inferenceFailuresTotal)
}
