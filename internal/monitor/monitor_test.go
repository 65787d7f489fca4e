package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devguard/perfcore/internal/cache"
	"github.com/devguard/perfcore/internal/querystats"
)

// fixedClock returns a func() time.Time that always returns t.
func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

type fakeCache struct {
	mu      sync.Mutex
	stats   cache.Stats
	cleared int
}

func (f *fakeCache) Stats() cache.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeCache) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	f.stats = cache.Stats{MaxSize: f.stats.MaxSize}
}

type fakeQuery struct {
	stats querystats.Stats
	err   error
}

func (f fakeQuery) QueryStats(context.Context) (querystats.Stats, error) { return f.stats, f.err }

// heapRegistry returns a gatherer reporting heapMB of live heap.
func heapRegistry(t *testing.T, heapMB float64) prometheus.Gatherer {
	t.Helper()
	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "go_memstats_heap_alloc_bytes", Help: "heap"})
	g.Set(heapMB * 1024 * 1024)
	reg.MustRegister(g)
	return reg
}

func newMonitor(t *testing.T, opts Options, src Sources) *Monitor {
	t.Helper()
	m, err := New(opts, src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestSample_ScoresAndRecords(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := newMonitor(t, Options{}, Sources{
		Cache:    &fakeCache{stats: cache.Stats{Hits: 9, Misses: 1, HitRate: 0.9}},
		Query:    fakeQuery{stats: querystats.Stats{Queries: 3, AvgLatency: 20 * time.Millisecond}},
		Gatherer: heapRegistry(t, 100),
	})
	m.now = fixedClock(at)

	s := m.Sample(context.Background())
	if !s.SampledAt.Equal(at) {
		t.Errorf("sampled at: got %v, want %v", s.SampledAt, at)
	}
	if s.Scores.Status != StatusExcellent {
		t.Errorf("status: got %s (%+v)", s.Scores.Status, s.Scores)
	}
	if len(s.Bottlenecks) != 0 {
		t.Errorf("bottlenecks: got %v", s.Bottlenecks)
	}
	latest, ok := m.Latest()
	if !ok || latest.Scores.Composite != s.Scores.Composite {
		t.Errorf("Latest: got %+v, %v", latest, ok)
	}
}

func TestSample_QueryErrorIsRecorded(t *testing.T) {
	m := newMonitor(t, Options{}, Sources{
		Query:    fakeQuery{err: errors.New("scrape failed")},
		Gatherer: heapRegistry(t, 10),
	})
	s := m.Sample(context.Background())
	if s.QueryError == "" {
		t.Error("QueryError empty")
	}
	if s.Scores.Query != 1 {
		t.Errorf("query score with no data: got %v, want 1", s.Scores.Query)
	}
}

func TestHistory_IsBounded(t *testing.T) {
	m := newMonitor(t, Options{HistorySize: 3}, Sources{Gatherer: heapRegistry(t, 10)})
	for i := 0; i < 5; i++ {
		m.now = fixedClock(time.Unix(int64(i), 0))
		m.Sample(context.Background())
	}
	h := m.History()
	if len(h) != 3 {
		t.Fatalf("history: got %d, want 3", len(h))
	}
	if h[0].SampledAt.Unix() != 2 || h[2].SampledAt.Unix() != 4 {
		t.Errorf("history window: %v .. %v", h[0].SampledAt.Unix(), h[2].SampledAt.Unix())
	}
}

func TestOptimize_OnlyMemoryClearsCache(t *testing.T) {
	fc := &fakeCache{stats: cache.Stats{Size: 40, Hits: 1, Misses: 9, HitRate: 0.1}}
	m := newMonitor(t, Options{}, Sources{
		Cache:    fc,
		Query:    fakeQuery{stats: querystats.Stats{Queries: 1, AvgLatency: 300 * time.Millisecond}},
		Gatherer: heapRegistry(t, 1500),
	})
	m.Sample(context.Background())

	actions := m.Optimize(context.Background())
	if fc.cleared != 1 {
		t.Errorf("cache cleared %d times, want 1", fc.cleared)
	}

	byType := map[string]string{}
	for _, a := range actions {
		byType[a.Bottleneck] = a.Action
	}
	if byType[TypeMemory] != ActionClearCache {
		t.Errorf("memory action: got %q", byType[TypeMemory])
	}
	for _, typ := range []string{"cache", "database"} {
		if byType[typ] != ActionRecommend {
			t.Errorf("%s action: got %q, want recommend", typ, byType[typ])
		}
	}
	if len(m.Actions()) != len(actions) {
		t.Errorf("Actions(): got %d, want %d", len(m.Actions()), len(actions))
	}
}

func TestOptimize_NoMemoryBottleneckKeepsCache(t *testing.T) {
	fc := &fakeCache{stats: cache.Stats{Size: 40, Hits: 1, Misses: 9, HitRate: 0.1}}
	m := newMonitor(t, Options{}, Sources{Cache: fc, Gatherer: heapRegistry(t, 50)})

	// Optimize samples on its own when nothing was sampled yet.
	actions := m.Optimize(context.Background())
	if fc.cleared != 0 {
		t.Errorf("cache cleared without memory pressure")
	}
	if len(actions) != 1 || actions[0].Action != ActionRecommend {
		t.Errorf("actions: got %+v", actions)
	}
}

func TestOnSampleHook(t *testing.T) {
	m := newMonitor(t, Options{}, Sources{Gatherer: heapRegistry(t, 10)})
	var got []Sample
	m.OnSample(func(s Sample) { got = append(got, s) })

	m.Sample(context.Background())
	m.Sample(context.Background())
	if len(got) != 2 {
		t.Errorf("hook calls: got %d, want 2", len(got))
	}
}

func TestRun_SamplesUntilCancelled(t *testing.T) {
	m := newMonitor(t, Options{SampleInterval: 10 * time.Millisecond}, Sources{Gatherer: heapRegistry(t, 10)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(m.History()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for samples")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_RecoversPanickingHook(t *testing.T) {
	m := newMonitor(t, Options{SampleInterval: 5 * time.Millisecond}, Sources{Gatherer: heapRegistry(t, 10)})
	var mu sync.Mutex
	calls := 0
	m.OnSample(func(Sample) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("hook exploded")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Errorf("loop stopped after a panic: %d calls", calls)
	}
}

func TestNew_RejectsInvalid(t *testing.T) {
	if _, err := New(Options{SampleInterval: -time.Second}, Sources{}); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("negative interval: got %v", err)
	}
	if _, err := New(Options{Rules: []Rule{{Type: "x", Condition: "bogus"}}}, Sources{}); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("bad rule: got %v", err)
	}
}
