package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinal_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"kind"},
	)

	cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinal_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"kind"},
	)

	cacheShared = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinal_cache_shared_results_total",
			Help: "Total number of results shared between concurrent callers",
		},
		[]string{"kind"},
	)

	cacheFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinal_cache_fallbacks_total",
			Help: "Total number of operations degraded to the in-process store",
		},
		[]string{"kind"},
	)
)

func recordHit(kind string)      { cacheHits.WithLabelValues(kind).Inc() }
func recordMiss(kind string)     { cacheMisses.WithLabelValues(kind).Inc() }
func recordShared(kind string)   { cacheShared.WithLabelValues(kind).Inc() }
func recordFallback(kind string) { cacheFallbacks.WithLabelValues(kind).Inc() }
