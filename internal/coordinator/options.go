package coordinator

import (
	"github.com/devguard/perfcore/internal/audit"
	"github.com/devguard/perfcore/internal/broadcast"
	"github.com/devguard/perfcore/internal/cache"
	"github.com/devguard/perfcore/internal/config"
	"github.com/devguard/perfcore/internal/loader"
	"github.com/devguard/perfcore/internal/monitor"
	"github.com/devguard/perfcore/internal/querystats"
	"github.com/devguard/perfcore/internal/watcher"
)

func cacheOptions(c config.CacheConfig) cache.Options {
	opts := cache.Options{
		MaxSize:       c.MaxSize,
		DefaultTTL:    c.DefaultTTL,
		SweepInterval: c.SweepInterval,
	}
	for _, p := range c.Policies {
		opts.Policies = append(opts.Policies, cache.Policy{Prefix: p.Prefix, TTL: p.TTL})
	}
	return opts
}

func loaderOptions(c config.LoaderConfig) loader.Options {
	return loader.Options{
		PageSize:     c.PageSize,
		PageTTL:      c.PageTTL,
		FetchTimeout: c.FetchTimeout,
		Preload:      c.Preload,
	}
}

// WatchOptions converts the watcher section into per-watch options.
func WatchOptions(c config.WatcherConfig) watcher.Options {
	return watcher.Options{
		Debounce:          c.Debounce,
		DebounceDelay:     c.DebounceDelay,
		Batch:             c.Batch,
		BatchDelay:        c.BatchDelay,
		IgnoredExtensions: c.IgnoredExtensions,
		IgnoredDirs:       c.IgnoredDirs,
		IgnoreHidden:      c.IgnoreHidden,
		MaxFileSize:       c.MaxFileSize,
		Recursive:         c.Recursive,
	}
}

func broadcastOptions(c config.BroadcasterConfig) broadcast.Options {
	opts := broadcast.Options{
		MaxConnectionsPerPool: c.MaxConnectionsPerPool,
		MaxRoomsPerConnection: c.MaxRoomsPerConnection,
		BatchDelay:            c.BatchDelay,
		ConnectionTimeout:     c.ConnectionTimeout,
		HeartbeatInterval:     c.HeartbeatInterval,
		AcquireRetries:        c.AcquireRetries,
		AcquireBackoff:        c.AcquireBackoff,
	}
	if len(c.PoolCapacities) > 0 {
		opts.PoolCapacities = make(map[broadcast.Role]int, len(c.PoolCapacities))
		for role, n := range c.PoolCapacities {
			opts.PoolCapacities[broadcast.Role(role)] = n
		}
	}
	return opts
}

func monitorOptions(c config.MonitorConfig) monitor.Options {
	opts := monitor.Options{
		SampleInterval:   c.SampleInterval,
		OptimizeInterval: c.OptimizeInterval,
		HistorySize:      c.HistorySize,
		MemoryBudgetMB:   c.MemoryBudgetMB,
		CacheBudgetMB:    c.CacheBudgetMB,
		AutoOptimize:     c.AutoOptimize,
	}
	for _, r := range c.Rules {
		opts.Rules = append(opts.Rules, monitor.Rule{
			Type:           r.Type,
			Condition:      r.Condition,
			Severity:       r.Severity,
			Description:    r.Description,
			Recommendation: r.Recommendation,
		})
	}
	return opts
}

func querySource(c config.QueryStatsConfig, auth config.AuthConfig) (querystats.Source, *querystats.Recorder) {
	if c.Source == "prometheus" {
		return querystats.NewScraper(querystats.ScraperOptions{
			Endpoint:      c.Endpoint,
			LatencyMetric: c.LatencyMetric,
			ErrorMetric:   c.ErrorMetric,
			Timeout:       c.Timeout,
			Header:        auth.EffectiveHeader(),
			Key:           auth.Key(),
		}), nil
	}
	rec := querystats.NewRecorder()
	return rec, rec
}

func auditSink(c config.AuditConfig) *audit.Sink {
	if !c.Enabled {
		return nil
	}
	var targets []audit.Target
	for _, w := range c.Webhooks {
		targets = append(targets, audit.Target{Type: w.Type, URL: w.URL()})
	}
	return audit.NewSink(audit.Options{
		BufferSize: c.BufferSize,
		RatePerSec: c.RatePerSec,
		Targets:    targets,
	})
}
