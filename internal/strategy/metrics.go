package strategy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResponsesTotal 按策略与响应来源（cache/network/fallback/error）统计。
	ResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachekit_strategy_responses_total",
			Help: "Total number of responses produced by strategies",
		},
		[]string{"strategy", "source"},
	)

	// CacheLookups 统计缓存命中与未命中。
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachekit_cache_lookups_total",
			Help: "Total number of cache lookups",
		},
		[]string{"strategy", "result"}, // "hit", "miss", "error"
	)

	// NetworkFetches 统计网络请求结果。
	NetworkFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachekit_network_fetches_total",
			Help: "Total number of network fetches",
		},
		[]string{"strategy", "result"}, // "success", "failure"
	)

	// CacheWrites 统计缓存写入结果。
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachekit_cache_writes_total",
			Help: "Total number of cache writes",
		},
		[]string{"strategy", "result"}, // "stored", "skipped", "error"
	)

	// ExtensionTasks 统计 waitUntil 注册的扩展任务。
	ExtensionTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachekit_extension_tasks_total",
			Help: "Total number of extension tasks registered by handlers",
		},
		[]string{"strategy"},
	)

	// HandleDuration 记录响应阶段耗时。
	HandleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cachekit_strategy_duration_seconds",
			Help:    "Time spent producing a response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)
)
