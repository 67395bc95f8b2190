package detector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var inferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "sentinal_detector_inference_seconds",
	Help:    "Duration of full-graph detector forward passes",
	Buckets: prometheus.DefBuckets,
})

func observeInference(elapsed time.Duration) {
	inferenceDuration.Observe(elapsed.Seconds())
}
