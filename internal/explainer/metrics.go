package explainer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinal_explainer_tool_rounds",
		Help:    "Number of tool-calling rounds per explanation",
		Buckets: []float64{0, 1, 2, 3, 4, 5},
	})

	narrativeFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinal_explainer_fallbacks_total",
			Help: "Total number of explanations served by the templated fallback",
		},
		[]string{"reason_code"},
	)
)

func observeToolRounds(rounds int) {
	toolRounds.Observe(float64(rounds))
}

func recordFallback(reasonCode string) {
	narrativeFallbacks.WithLabelValues(reasonCode).Inc()
}
