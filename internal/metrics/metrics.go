package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantrules_evaluations_total",
		Help: "Total number of rule evaluations, labelled by outcome (matched, no_match, error).",
	}, []string{"outcome"})

	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tenantrules_evaluation_duration_seconds",
		Help:    "Evaluation latency including any repository fetch on a cache miss.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tenantrules_cache_hits_total",
		Help: "Total number of tenant rule set lookups served from the cache.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tenantrules_cache_misses_total",
		Help: "Total number of tenant rule set lookups that went to the repository.",
	})

	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tenantrules_cache_entries",
		Help: "Number of tenants currently held in the rule cache.",
	})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantrules_cache_evictions_total",
		Help: "Cache evictions labelled by reason (expired, invalidated, cleared).",
	}, []string{"reason"})

	RepositoryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tenantrules_repository_duration_seconds",
		Help:    "Latency of repository calls labelled by operation and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "status"})

	SkippedRules = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tenantrules_skipped_rules_total",
		Help: "Stored rule definitions skipped at load time because they no longer parse.",
	})
)
