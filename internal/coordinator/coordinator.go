package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/devguard/perfcore/internal/audit"
	"github.com/devguard/perfcore/internal/broadcast"
	"github.com/devguard/perfcore/internal/cache"
	"github.com/devguard/perfcore/internal/config"
	"github.com/devguard/perfcore/internal/errorreporting"
	"github.com/devguard/perfcore/internal/loader"
	"github.com/devguard/perfcore/internal/metrics"
	"github.com/devguard/perfcore/internal/monitor"
	"github.com/devguard/perfcore/internal/querystats"
	"github.com/devguard/perfcore/internal/tracing"
	"github.com/devguard/perfcore/internal/watcher"
	"github.com/devguard/perfcore/pkg/events"
)

// SystemStatusRoom receives health updates.
const SystemStatusRoom = "system_status"

// DefaultOperationRooms receive OperationComplete events when OpOptions
// names no rooms.
var DefaultOperationRooms = []string{SystemStatusRoom}

var (
	ErrAlreadyStarted = errors.New("coordinator: already started")
	ErrNotStarted     = errors.New("coordinator: not started")
	ErrStopped        = errors.New("coordinator: stopped")
)

// HealthReporter receives the health band of every monitor sample.
type HealthReporter interface {
	Report(status string)
}

// Upstreams are the external collaborators of the engine. Every field is
// optional.
type Upstreams struct {
	// Transport delivers broadcast events to consumers. Nil drops every
	// delivery, which suits embedding without consumers.
	Transport broadcast.Transport

	// Audit overrides the audit recorder built from config.
	Audit audit.Recorder

	// Query overrides the query stats source built from config.
	Query querystats.Source

	// Pages registers page fetchers on the loader by resource type.
	Pages map[string]loader.PageFetchFunc

	// NewSource overrides the filesystem event source of the watcher.
	NewSource watcher.SourceFactory

	// Gatherer supplies Go runtime metrics to the monitor.
	Gatherer prometheus.Gatherer

	Health HealthReporter
}

// OpOptions controls OptimizeOperation.
type OpOptions struct {
	// UseCache serves the result from the cache when present and stores
	// freshly computed results. Concurrent callers of the same key share
	// one computation.
	UseCache bool

	// TTL of the stored result. Zero uses the cache's key-prefix policy.
	TTL time.Duration

	// Broadcast publishes an OperationComplete event to Rooms
	// (DefaultOperationRooms when empty).
	Broadcast bool
	Rooms     []string

	// Audit writes an audit record for the operation.
	Audit bool
}

// BatchItem is one operation of BatchOptimizeOperations.
type BatchItem struct {
	Key     string
	Op      loader.FetchFunc
	Options OpOptions
}

// BatchResult is the outcome of one BatchItem.
type BatchResult struct {
	Key    string
	Value  any
	Cached bool
	Err    error
}

// Status is a point-in-time view of the whole engine.
type Status struct {
	Running          bool                 `json:"running"`
	StartedAt        time.Time            `json:"started_at,omitempty"`
	IntegrationScore float64              `json:"integration_score"`
	Cache            cache.Stats          `json:"cache"`
	Loader           loader.Stats         `json:"loader"`
	Broadcast        broadcast.Stats      `json:"broadcast"`
	Watcher          watcher.Stats        `json:"watcher"`
	Watches          []watcher.HandleInfo `json:"watches"`
	Health           *monitor.Sample      `json:"health,omitempty"`
	Audit            *audit.Stats         `json:"audit,omitempty"`
}

// Coordinator owns every engine component, starts and stops them in order
// and wraps upstream operations with caching, coalescing and notification.
//
// Coordinator is safe for concurrent use.
type Coordinator struct {
	cfg *config.Config

	cache       *cache.Cache
	loader      *loader.Loader
	broadcaster *broadcast.Broadcaster
	watcher     *watcher.Watcher
	monitor     *monitor.Monitor
	query       querystats.Source
	recorder    *querystats.Recorder
	audit       audit.Recorder
	sink        *audit.Sink
	health      HealthReporter

	mu        sync.Mutex
	running   bool
	stopped   bool
	startedAt time.Time
	stops     []func()

	now func() time.Time
}

type discardTransport struct{}

func (discardTransport) Deliver(string, events.Event) error { return nil }

// New validates cfg and builds every component from it. Nothing runs until
// Start.
func New(cfg *config.Config, up Upstreams) (*Coordinator, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("coordinator: invalid config: %w", err)
	}
	c := &Coordinator{cfg: cfg, health: up.Health, now: time.Now}

	var err error
	c.cache, err = cache.New(cacheOptions(cfg.Cache))
	if err != nil {
		return nil, err
	}
	c.loader = loader.New(c.cache, loaderOptions(cfg.Loader))
	for resource, fetch := range up.Pages {
		c.loader.Register(resource, fetch)
	}

	c.query, c.recorder = querySource(cfg.QueryStats, cfg.Server.Auth)
	if up.Query != nil {
		c.query, c.recorder = up.Query, nil
		if rec, ok := up.Query.(*querystats.Recorder); ok {
			c.recorder = rec
		}
	}

	transport := up.Transport
	if transport == nil {
		transport = discardTransport{}
	}
	c.broadcaster, err = broadcast.New(broadcastOptions(cfg.Broadcaster), transport)
	if err != nil {
		return nil, err
	}

	c.watcher = watcher.New(watcher.Config{
		Invalidator: c.cache,
		Publisher:   c.broadcaster,
		NewSource:   up.NewSource,
	})

	c.monitor, err = monitor.New(monitorOptions(cfg.Monitor), monitor.Sources{
		Cache:       c.cache,
		Broadcaster: c.broadcaster,
		Watcher:     c.watcher,
		Query:       c.query,
		Gatherer:    up.Gatherer,
	})
	if err != nil {
		return nil, err
	}
	c.monitor.OnSample(c.onSample)

	switch {
	case up.Audit != nil:
		c.audit = up.Audit
	default:
		c.sink = auditSink(cfg.Audit)
		if c.sink != nil {
			c.audit = c.sink
		} else {
			c.audit = audit.LogRecorder{}
		}
	}
	return c, nil
}

// Start launches the components in dependency order: cache, query stats,
// broadcaster, watcher, monitor, then the self-check loop. If a configured
// watch cannot be opened, everything started so far is stopped again.
// A stopped Coordinator cannot be started again.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyStarted
	}
	if c.stopped {
		return ErrStopped
	}
	c.stops = nil

	c.spawn(ctx, "cache", c.cache.Run)
	if c.sink != nil {
		c.spawn(ctx, "audit", c.sink.Run)
	}
	c.spawn(ctx, "broadcaster", c.broadcaster.Run)

	opts := WatchOptions(c.cfg.Watcher)
	for _, wp := range c.cfg.Watcher.Paths {
		if err := c.watcher.Watch(wp.Resource, wp.Path, opts); err != nil {
			c.watcher.StopAll()
			c.stopLocked()
			c.stopped = true
			return fmt.Errorf("coordinator: start watcher: %w", err)
		}
	}
	c.stops = append(c.stops, func() {
		c.watcher.StopAll()
		slog.Debug("coordinator: stopped", "component", "watcher")
	})

	c.spawn(ctx, "monitor", c.monitor.Run)
	c.spawn(ctx, "self-check", c.selfCheck)

	c.running = true
	c.startedAt = c.now()
	slog.Info("coordinator: started",
		"watches", len(c.cfg.Watcher.Paths),
		"query_source", c.cfg.QueryStats.Source,
	)
	return nil
}

// Stop tears the components down in reverse start order and waits for
// their loops to return.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotStarted
	}
	c.stopLocked()
	c.loader.Close()
	c.running = false
	c.stopped = true
	slog.Info("coordinator: stopped")
	return nil
}

func (c *Coordinator) stopLocked() {
	for i := len(c.stops) - 1; i >= 0; i-- {
		c.stops[i]()
	}
	c.stops = nil
}

// spawn runs fn in its own goroutine with a child context and registers a
// stop func that cancels it and waits for it to return. Requires c.mu.
func (c *Coordinator) spawn(ctx context.Context, name string, fn func(context.Context)) {
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(cctx)
	}()
	c.stops = append(c.stops, func() {
		cancel()
		<-done
		slog.Debug("coordinator: stopped", "component", name)
	})
}

// OptimizeOperation runs op for key, through the cache when UseCache is set,
// and then executes the side effects the outcome calls for. The upstream
// error is returned unchanged.
func (c *Coordinator) OptimizeOperation(ctx context.Context, key string, op loader.FetchFunc, opts OpOptions) (any, error) {
	v, _, err := c.optimize(ctx, key, op, opts)
	return v, err
}

func (c *Coordinator) optimize(ctx context.Context, key string, op loader.FetchFunc, opts OpOptions) (any, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.OptimizeOperation",
		attribute.String("perfcore.key", key),
		attribute.Bool("perfcore.use_cache", opts.UseCache),
	)

	var timing fetchTiming
	timed := timing.wrap(op, c.now)

	start := c.now()
	var (
		v      any
		cached bool
		err    error
	)
	if opts.UseCache {
		v, cached, err = c.loader.Load(ctx, key, opts.TTL, timed)
	} else {
		v, err = timed(ctx)
	}
	o := outcome{
		Key:        key,
		CacheHit:   cached,
		Duration:   c.now().Sub(start),
		Err:        err,
		FinishedAt: c.now(),
	}
	o.Fetched, o.FetchDuration, o.FetchErr = timing.result()

	label := "miss"
	switch {
	case !opts.UseCache:
		label = "bypass"
	case cached:
		label = "hit"
	}
	metrics.OperationDuration.WithLabelValues(label).Observe(o.Duration.Seconds())
	span.SetAttributes(attribute.Bool("perfcore.cache_hit", cached))
	tracing.End(span, err)

	c.execute(planOperation(o, opts))
	return v, cached, err
}

// BatchOptimizeOperations runs items concurrently, at most
// coordinator.batch_concurrency at a time. Results are in input order and
// each carries its own error.
func (c *Coordinator) BatchOptimizeOperations(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))

	var g errgroup.Group
	g.SetLimit(c.cfg.Coordinator.BatchConcurrency)
	for i, it := range items {
		g.Go(func() error {
			v, cached, err := c.optimize(ctx, it.Key, it.Op, it.Options)
			results[i] = BatchResult{Key: it.Key, Value: v, Cached: cached, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// execute applies planned effects. Effects never fail the operation.
func (c *Coordinator) execute(effects []Effect) {
	for _, e := range effects {
		switch e := e.(type) {
		case QueryEffect:
			if c.recorder != nil {
				c.recorder.Record(e.Duration, e.Err)
			}
		case BroadcastEffect:
			c.broadcaster.Broadcast(e.Rooms, e.Event, e.Batched)
		case AuditEffect:
			c.audit.Record(e.Description, e.Fields)
		}
	}
}

// fetchTiming captures whether a wrapped fetch ran and how long it took.
// Only the caller whose fetch leads a coalesced load ever sees it run.
type fetchTiming struct {
	mu  sync.Mutex
	ran bool
	d   time.Duration
	err error
}

func (t *fetchTiming) wrap(op loader.FetchFunc, now func() time.Time) loader.FetchFunc {
	return func(ctx context.Context) (any, error) {
		start := now()
		v, err := op(ctx)
		t.mu.Lock()
		t.ran, t.d, t.err = true, now().Sub(start), err
		t.mu.Unlock()
		return v, err
	}
}

func (t *fetchTiming) result() (bool, time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ran, t.d, t.err
}

// IntegrationScore averages normalized health indicators across the
// components: cache hit rate, delivery success, pool headroom, watcher
// error-free ratio and, once sampled, the monitor's composite score.
func (c *Coordinator) IntegrationScore() float64 {
	cs := c.cache.Stats()
	bs := c.broadcaster.Stats()
	ws := c.watcher.Stats()

	indicators := []float64{
		1, // cache hit rate
		1 - bs.ErrorRate(),
		1 - bs.PoolUtilization,
		1, // watcher error-free ratio
	}
	if cs.Lookups() > 0 {
		indicators[0] = cs.HitRate
	}
	if total := ws.EventsProcessed + ws.Errors; total > 0 {
		indicators[3] = float64(ws.EventsProcessed) / float64(total)
	}
	if s, ok := c.monitor.Latest(); ok {
		indicators = append(indicators, s.Scores.Composite)
	}

	var sum float64
	for _, v := range indicators {
		sum += v
	}
	return sum / float64(len(indicators))
}

// selfCheck logs the integration score every self-check interval.
func (c *Coordinator) selfCheck(ctx context.Context) {
	t := time.NewTicker(c.cfg.Coordinator.SelfCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			func() {
				defer func() {
					if err := errorreporting.Recover("coordinator", recover()); err != nil {
						slog.Error("coordinator: self-check failed", "err", err)
					}
				}()
				score := c.IntegrationScore()
				metrics.IntegrationScore.Set(score)
				slog.Info("coordinator: self-check", "integration_score", score)
			}()
		}
	}
}

// onSample forwards every health sample to the health reporter and to the
// system status room.
func (c *Coordinator) onSample(s monitor.Sample) {
	if c.health != nil {
		c.health.Report(s.Scores.Status)
	}
	c.broadcaster.Broadcast([]string{SystemStatusRoom}, events.HealthUpdate{
		Score:     s.Scores.Composite,
		Status:    s.Scores.Status,
		SampledAt: s.SampledAt,
	}, false)
}

// ClearCache drops every cache entry on behalf of source and writes an
// audit record. It returns the number of entries dropped.
func (c *Coordinator) ClearCache(source string) int {
	n := c.cache.Len()
	c.cache.Clear()
	metrics.OptimizationActions.WithLabelValues(monitor.ActionClearCache).Inc()
	c.audit.Record("cache cleared", map[string]any{"source": source, "entries": n})
	slog.Info("coordinator: cache cleared", "source", source, "entries", n)
	return n
}

// Status returns a view of every component.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{Running: c.running, StartedAt: c.startedAt}
	c.mu.Unlock()

	st.IntegrationScore = c.IntegrationScore()
	st.Cache = c.cache.Stats()
	st.Loader = c.loader.Stats()
	st.Broadcast = c.broadcaster.Stats()
	st.Watcher = c.watcher.Stats()
	st.Watches = c.watcher.Handles()
	if s, ok := c.monitor.Latest(); ok {
		st.Health = &s
	}
	if c.sink != nil {
		as := c.sink.Stats()
		st.Audit = &as
	}
	return st
}

// Cache returns the engine's cache.
func (c *Coordinator) Cache() *cache.Cache { return c.cache }

// Loader returns the engine's loader.
func (c *Coordinator) Loader() *loader.Loader { return c.loader }

// Broadcaster returns the engine's broadcaster.
func (c *Coordinator) Broadcaster() *broadcast.Broadcaster { return c.broadcaster }

// Watcher returns the engine's watcher.
func (c *Coordinator) Watcher() *watcher.Watcher { return c.watcher }

// Monitor returns the engine's monitor.
func (c *Coordinator) Monitor() *monitor.Monitor { return c.monitor }
