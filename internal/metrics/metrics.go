package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perfcore_cache_lookups_total",
			Help: "Total number of cache lookups",
		},
		[]string{"result"}, // result: hit, miss
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perfcore_cache_evictions_total",
			Help: "Total number of entries removed by the cache",
		},
		[]string{"reason"}, // reason: lru, expired
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "perfcore_cache_entries",
			Help: "Number of entries currently held by the cache",
		},
	)

	// Loader metrics
	LoaderFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perfcore_loader_fetches_total",
			Help: "Total number of upstream fetches started by the loader",
		},
		[]string{"status"}, // status: success, failed
	)

	LoaderCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "perfcore_loader_coalesced_total",
			Help: "Total number of loads that joined an in-flight fetch",
		},
	)

	LoaderFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perfcore_loader_fetch_duration_seconds",
			Help:    "Duration of upstream fetches in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Watcher metrics
	WatcherEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perfcore_watcher_events_total",
			Help: "Total number of filesystem events seen by the watcher",
		},
		[]string{"result"}, // result: accepted, filtered
	)

	WatcherFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "perfcore_watcher_flushes_total",
			Help: "Total number of debounced change sets emitted",
		},
	)

	WatcherErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "perfcore_watcher_errors_total",
			Help: "Total number of event source errors",
		},
	)

	// Broadcaster metrics
	BroadcastConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perfcore_broadcast_connections",
			Help: "Active connections per pool",
		},
		[]string{"pool"},
	)

	BroadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perfcore_broadcast_deliveries_total",
			Help: "Total number of event deliveries to connections",
		},
		[]string{"status"}, // status: success, failed
	)

	BroadcastBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "perfcore_broadcast_batches_flushed_total",
			Help: "Total number of room batches flushed",
		},
	)

	// Query layer metrics
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perfcore_query_duration_seconds",
			Help:    "Duration of upstream queries recorded in process, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"}, // status: ok, error
	)

	QueryScrapeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "perfcore_query_scrape_errors_total",
			Help: "Total number of failed query-stats scrapes",
		},
	)

	// Monitor metrics
	HealthScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "perfcore_health_score",
			Help: "Composite health score in the range 0-1",
		},
	)

	OptimizationActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perfcore_optimization_actions_total",
			Help: "Total number of optimization actions by kind",
		},
		[]string{"action"}, // action: clear_cache, recommend
	)

	Bottlenecks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perfcore_bottlenecks",
			Help: "Currently detected bottlenecks by type",
		},
		[]string{"type"},
	)

	// Coordinator metrics
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perfcore_operation_duration_seconds",
			Help:    "Duration of coordinated operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cache"}, // cache: hit, miss, bypass
	)

	IntegrationScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "perfcore_integration_score",
			Help: "Integration self-check score in the range 0-1",
		},
	)

	// Audit metrics
	AuditRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perfcore_audit_records_total",
			Help: "Total number of audit records by outcome",
		},
		[]string{"status"}, // status: queued, dropped, delivered, failed
	)

	// Relay metrics
	RelayPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perfcore_relay_publishes_total",
			Help: "Total number of Redis relay publishes by outcome",
		},
		[]string{"status"}, // status: queued, dropped, published, failed
	)
)
