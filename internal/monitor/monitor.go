package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devguard/perfcore/internal/broadcast"
	"github.com/devguard/perfcore/internal/cache"
	"github.com/devguard/perfcore/internal/errorreporting"
	"github.com/devguard/perfcore/internal/metrics"
	"github.com/devguard/perfcore/internal/querystats"
	"github.com/devguard/perfcore/internal/watcher"
)

// Default values used when Options leaves a field zero.
const (
	DefaultSampleInterval   = 30 * time.Second
	DefaultOptimizeInterval = 5 * time.Minute
	DefaultHistorySize      = 100
	DefaultMemoryBudgetMB   = 1024
	DefaultCacheBudgetMB    = 100
)

// Optimization actions.
const (
	ActionClearCache = "clear_cache"
	ActionRecommend  = "recommend"
)

var ErrInvalidOptions = errors.New("monitor: invalid options")

// CacheSource is the cache as seen by the monitor. *cache.Cache implements it.
type CacheSource interface {
	Stats() cache.Stats
	Clear()
}

// BroadcastSource is implemented by *broadcast.Broadcaster.
type BroadcastSource interface {
	Stats() broadcast.Stats
}

// WatcherSource is implemented by *watcher.Watcher.
type WatcherSource interface {
	Stats() watcher.Stats
}

// Sources are the components a Monitor samples. Nil sources are reported as
// empty stats.
type Sources struct {
	Cache       CacheSource
	Broadcaster BroadcastSource
	Watcher     WatcherSource
	Query       querystats.Source

	// Gatherer supplies the Go runtime families. Nil uses
	// prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Options configures a Monitor.
type Options struct {
	SampleInterval   time.Duration
	OptimizeInterval time.Duration
	HistorySize      int

	// MemoryBudgetMB is the heap size treated as full utilization.
	MemoryBudgetMB float64

	// CacheBudgetMB is the cache footprint the cache score is penalized
	// against.
	CacheBudgetMB float64

	// AutoOptimize makes Run call Optimize every OptimizeInterval.
	AutoOptimize bool

	// Rules replace DefaultRules when non-empty.
	Rules []Rule
}

// Sample is one health observation.
type Sample struct {
	SampledAt   time.Time        `json:"sampled_at"`
	Cache       cache.Stats      `json:"cache"`
	Broadcast   broadcast.Stats  `json:"broadcast"`
	Watcher     watcher.Stats    `json:"watcher"`
	Query       querystats.Stats `json:"query"`
	QueryError  string           `json:"query_error,omitempty"`
	Runtime     metrics.Runtime  `json:"runtime"`
	Scores      Scores           `json:"scores"`
	Bottlenecks []Bottleneck     `json:"bottlenecks"`
}

// Action records one step of an optimization cycle.
type Action struct {
	At         time.Time `json:"at"`
	Bottleneck string    `json:"bottleneck"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail"`
}

// Monitor samples component stats on an interval, scores health, detects
// bottlenecks and runs the optimization cycle.
//
// Monitor is safe for concurrent use.
type Monitor struct {
	opts  Options
	src   Sources
	rules []Rule

	mu       sync.RWMutex
	latest   *Sample
	history  []Sample
	actions  []Action
	onSample []func(Sample)

	now func() time.Time
}

// New creates a Monitor.
func New(opts Options, src Sources) (*Monitor, error) {
	if opts.SampleInterval == 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if opts.OptimizeInterval == 0 {
		opts.OptimizeInterval = DefaultOptimizeInterval
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.MemoryBudgetMB == 0 {
		opts.MemoryBudgetMB = DefaultMemoryBudgetMB
	}
	if opts.CacheBudgetMB == 0 {
		opts.CacheBudgetMB = DefaultCacheBudgetMB
	}
	if opts.SampleInterval < 0 || opts.OptimizeInterval < 0 || opts.HistorySize < 0 ||
		opts.MemoryBudgetMB < 0 || opts.CacheBudgetMB < 0 {
		return nil, fmt.Errorf("%w: intervals, history size and budgets must be positive", ErrInvalidOptions)
	}

	rules := opts.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	rules = append([]Rule(nil), rules...)
	for i := range rules {
		if rules[i].Severity == "" {
			rules[i].Severity = SeverityWarning
		}
	}
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}

	if src.Gatherer == nil {
		src.Gatherer = prometheus.DefaultGatherer
	}
	return &Monitor{opts: opts, src: src, rules: rules, now: time.Now}, nil
}

// OnSample registers fn to receive every sample taken. Register hooks before
// Run starts.
func (m *Monitor) OnSample(fn func(Sample)) {
	m.mu.Lock()
	m.onSample = append(m.onSample, fn)
	m.mu.Unlock()
}

// Sample collects stats from every source, scores them, detects bottlenecks
// and records the result as the latest sample.
func (m *Monitor) Sample(ctx context.Context) Sample {
	s := Sample{SampledAt: m.now()}
	if m.src.Cache != nil {
		s.Cache = m.src.Cache.Stats()
	}
	if m.src.Broadcaster != nil {
		s.Broadcast = m.src.Broadcaster.Stats()
	}
	if m.src.Watcher != nil {
		s.Watcher = m.src.Watcher.Stats()
	}
	if m.src.Query != nil {
		q, err := m.src.Query.QueryStats(ctx)
		if err != nil {
			s.QueryError = err.Error()
			slog.Warn("monitor: query stats unavailable", "err", err)
		} else {
			s.Query = q
		}
	}
	rt, err := metrics.ReadRuntime(m.src.Gatherer)
	if err != nil {
		slog.Warn("monitor: runtime stats unavailable", "err", err)
	}
	s.Runtime = rt

	s.Scores = Compute(Input{
		CacheLookups:       s.Cache.Lookups(),
		CacheHitRate:       s.Cache.HitRate,
		CacheMemoryMB:      float64(s.Cache.EstimatedMemoryBytes) / (1024 * 1024),
		CacheBudgetMB:      m.opts.CacheBudgetMB,
		BroadcastErrorRate: s.Broadcast.ErrorRate(),
		AvgQueryMS:         s.Query.AvgLatencyMS(),
		Utilization:        rt.HeapAllocMB() / m.opts.MemoryBudgetMB,
	})
	s.Bottlenecks = Detect(m.rules, &s)

	m.record(s)
	return s
}

func (m *Monitor) record(s Sample) {
	m.mu.Lock()
	m.latest = &s
	m.history = append(m.history, s)
	if over := len(m.history) - m.opts.HistorySize; over > 0 {
		m.history = append([]Sample(nil), m.history[over:]...)
	}
	hooks := append(([]func(Sample))(nil), m.onSample...)
	m.mu.Unlock()

	metrics.HealthScore.Set(s.Scores.Composite)
	metrics.Bottlenecks.Reset()
	for _, b := range s.Bottlenecks {
		metrics.Bottlenecks.WithLabelValues(b.Type).Inc()
	}

	slog.Debug("monitor: sampled",
		"score", s.Scores.Composite,
		"status", s.Scores.Status,
		"bottlenecks", len(s.Bottlenecks),
	)

	for _, fn := range hooks {
		fn(s)
	}
}

// Optimize runs one optimization cycle over the latest sample's bottlenecks
// (sampling first when there is none). Only a memory bottleneck triggers an
// automatic action, clearing the cache; every other bottleneck logs its
// recommendation.
func (m *Monitor) Optimize(ctx context.Context) []Action {
	latest, ok := m.Latest()
	if !ok {
		latest = m.Sample(ctx)
	}

	var out []Action
	for _, b := range latest.Bottlenecks {
		a := Action{At: m.now(), Bottleneck: b.Type}
		if b.Type == TypeMemory && m.src.Cache != nil {
			before := m.src.Cache.Stats().Size
			m.src.Cache.Clear()
			a.Action = ActionClearCache
			a.Detail = fmt.Sprintf("cleared %d cache entries at %.0fMB heap", before, b.Value)
			slog.Warn("monitor: memory bottleneck, cache cleared", "entries", before, "heap_mb", b.Value)
		} else {
			a.Action = ActionRecommend
			a.Detail = b.Recommendation
			slog.Info("monitor: bottleneck detected",
				"type", b.Type,
				"severity", b.Severity,
				"value", b.Value,
				"recommendation", b.Recommendation,
			)
		}
		metrics.OptimizationActions.WithLabelValues(a.Action).Inc()
		out = append(out, a)
	}

	if len(out) > 0 {
		m.mu.Lock()
		m.actions = append(m.actions, out...)
		if over := len(m.actions) - m.opts.HistorySize; over > 0 {
			m.actions = append([]Action(nil), m.actions[over:]...)
		}
		m.mu.Unlock()
	}
	return out
}

// Run samples every SampleInterval and, when AutoOptimize is set, optimizes
// every OptimizeInterval. A failing iteration is reported and the loop
// continues. Blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	sample := time.NewTicker(m.opts.SampleInterval)
	defer sample.Stop()

	var optimize <-chan time.Time
	if m.opts.AutoOptimize {
		t := time.NewTicker(m.opts.OptimizeInterval)
		defer t.Stop()
		optimize = t.C
	}

	slog.Info("monitor: started",
		"sample_interval", m.opts.SampleInterval,
		"optimize_interval", m.opts.OptimizeInterval,
		"auto_optimize", m.opts.AutoOptimize,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("monitor: stopped")
			return
		case <-sample.C:
			m.safely("sample", func() { m.Sample(ctx) })
		case <-optimize:
			m.safely("optimize", func() { m.Optimize(ctx) })
		}
	}
}

// safely runs fn, converting a panic into a logged and reported error.
func (m *Monitor) safely(step string, fn func()) {
	defer func() {
		if err := errorreporting.Recover("monitor", recover()); err != nil {
			slog.Error("monitor: iteration failed", "step", step, "err", err)
		}
	}()
	fn()
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Sample{}, false
	}
	return *m.latest, true
}

// Bottlenecks returns the bottlenecks of the most recent sample.
func (m *Monitor) Bottlenecks() []Bottleneck {
	s, _ := m.Latest()
	return s.Bottlenecks
}

// History returns the retained samples, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Sample(nil), m.history...)
}

// Actions returns the retained optimization actions, oldest first.
func (m *Monitor) Actions() []Action {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Action(nil), m.actions...)
}
