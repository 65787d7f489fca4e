package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devguard/perfcore/internal/broadcast"
	"github.com/devguard/perfcore/internal/config"
	"github.com/devguard/perfcore/internal/querystats"
	"github.com/devguard/perfcore/internal/watcher"
	"github.com/devguard/perfcore/pkg/events"
)

// --- fakes ------------------------------------------------------------------

type delivery struct {
	connID string
	event  events.Event
}

type fakeTransport struct {
	mu  sync.Mutex
	got []delivery
}

func (f *fakeTransport) Deliver(connID string, e events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, delivery{connID, e})
	return nil
}

func (f *fakeTransport) find(match func(events.Event) bool) (events.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.got {
		if match(d.event) {
			return d.event, true
		}
	}
	return nil, false
}

type auditRecord struct {
	description string
	fields      map[string]any
}

type fakeAudit struct {
	mu      sync.Mutex
	records []auditRecord
}

func (f *fakeAudit) Record(description string, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, auditRecord{description, fields})
}

func (f *fakeAudit) all() []auditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]auditRecord(nil), f.records...)
}

type fakeHealth struct {
	mu       sync.Mutex
	statuses []string
}

func (f *fakeHealth) Report(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

type chanSource struct {
	events chan watcher.RawEvent
	errors chan error
	once   sync.Once
}

func (s *chanSource) Events() <-chan watcher.RawEvent { return s.events }
func (s *chanSource) Errors() <-chan error            { return s.errors }
func (s *chanSource) Close() error {
	s.once.Do(func() { close(s.events); close(s.errors) })
	return nil
}

func chanSources(string, watcher.Options) (watcher.Source, error) {
	return &chanSource{events: make(chan watcher.RawEvent, 8), errors: make(chan error, 1)}, nil
}

// --- helpers ----------------------------------------------------------------

type fixture struct {
	c         *Coordinator
	transport *fakeTransport
	audit     *fakeAudit
	health    *fakeHealth
	query     *querystats.Recorder
}

// testConfig returns defaults tuned for fast tests: short broadcast and
// watcher windows, background loops that never fire on their own.
func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Broadcaster.BatchDelay = 10 * time.Millisecond
	cfg.Watcher.DebounceDelay = 10 * time.Millisecond
	cfg.Watcher.BatchDelay = 10 * time.Millisecond
	cfg.Monitor.SampleInterval = time.Hour
	cfg.Monitor.OptimizeInterval = time.Hour
	cfg.Coordinator.SelfCheckInterval = time.Hour
	cfg.Coordinator.BatchConcurrency = 2
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	return newFixtureWithSources(t, cfg, chanSources)
}

func newFixtureWithSources(t *testing.T, cfg *config.Config, sources watcher.SourceFactory) *fixture {
	t.Helper()
	f := &fixture{
		transport: &fakeTransport{},
		audit:     &fakeAudit{},
		health:    &fakeHealth{},
		query:     querystats.NewRecorder(),
	}
	c, err := New(cfg, Upstreams{
		Transport: f.transport,
		Audit:     f.audit,
		Query:     f.query,
		NewSource: sources,
		Health:    f.health,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.c = c
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { f.c.Stop() }) //nolint:errcheck
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- tests ------------------------------------------------------------------

func TestOptimizeOperation_CoalescesAndCaches(t *testing.T) {
	f := newFixture(t, testConfig())
	f.start(t)

	var calls atomic.Int32
	release := make(chan struct{})
	op := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "tree", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.c.OptimizeOperation(context.Background(), "file_tree:repo1", op, OpOptions{UseCache: true})
		}()
	}
	waitFor(t, "callers to join", func() bool { return f.c.Loader().Stats().Waiters == n })
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls: got %d, want 1", got)
	}
	for i := range n {
		if errs[i] != nil || results[i] != "tree" {
			t.Errorf("caller %d: got (%v, %v)", i, results[i], errs[i])
		}
	}

	v, err := f.c.OptimizeOperation(context.Background(), "file_tree:repo1", op, OpOptions{UseCache: true})
	if err != nil || v != "tree" {
		t.Fatalf("cached call: got (%v, %v)", v, err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls after cached read: got %d, want 1", got)
	}

	qs, _ := f.query.QueryStats(context.Background())
	if qs.Queries != 1 {
		t.Errorf("recorded queries: got %d, want 1", qs.Queries)
	}
}

func TestOptimizeOperation_BypassRunsEveryTime(t *testing.T) {
	f := newFixture(t, testConfig())

	var calls atomic.Int32
	op := func(context.Context) (any, error) { return calls.Add(1), nil }

	for range 3 {
		if _, err := f.c.OptimizeOperation(context.Background(), "k", op, OpOptions{}); err != nil {
			t.Fatalf("OptimizeOperation: %v", err)
		}
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("upstream calls: got %d, want 3", got)
	}
	if f.c.Cache().ContainsKey("k") {
		t.Error("bypassed result should not be cached")
	}
}

func TestOptimizeOperation_ErrorPropagatesAndIsAudited(t *testing.T) {
	f := newFixture(t, testConfig())
	upstream := errors.New("upstream down")

	var calls atomic.Int32
	op := func(context.Context) (any, error) {
		calls.Add(1)
		return nil, upstream
	}

	for range 2 {
		_, err := f.c.OptimizeOperation(context.Background(), "task:42", op, OpOptions{UseCache: true, Audit: true})
		if !errors.Is(err, upstream) {
			t.Fatalf("error: got %v, want %v", err, upstream)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("failures must not be cached: got %d calls, want 2", got)
	}

	recs := f.audit.all()
	if len(recs) != 2 {
		t.Fatalf("audit records: got %d, want 2", len(recs))
	}
	if recs[0].description != "operation failed" || recs[0].fields["error"] != "upstream down" {
		t.Errorf("audit record: %+v", recs[0])
	}

	qs, _ := f.query.QueryStats(context.Background())
	if qs.Queries != 2 || qs.Errors != 2 {
		t.Errorf("query stats: got %+v, want 2 queries and 2 errors", qs)
	}
}

func TestOptimizeOperation_BroadcastsOperationComplete(t *testing.T) {
	f := newFixture(t, testConfig())
	f.start(t)

	if _, err := f.c.Broadcaster().Connect(context.Background(), "u1", broadcast.RoleAdmin, broadcast.ClientWeb); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	op := func(context.Context) (any, error) { return 1, nil }
	if _, err := f.c.OptimizeOperation(context.Background(), "git_status:repo1", op, OpOptions{UseCache: true, Broadcast: true}); err != nil {
		t.Fatalf("OptimizeOperation: %v", err)
	}

	var got events.OperationComplete
	waitFor(t, "operation broadcast", func() bool {
		e, ok := f.transport.find(func(e events.Event) bool {
			bu, ok := e.(events.BatchUpdate)
			return ok && bu.Room == SystemStatusRoom
		})
		if ok {
			got, ok = e.(events.BatchUpdate).Events[0].(events.OperationComplete)
		}
		return ok
	})
	if got.Key != "git_status:repo1" || got.CacheHit || got.Error != "" {
		t.Errorf("operation event: %+v", got)
	}
}

func TestBatchOptimizeOperations(t *testing.T) {
	cfg := testConfig()
	cfg.Coordinator.BatchConcurrency = 2
	f := newFixture(t, cfg)

	var active, peak atomic.Int32
	op := func(v int, fail bool) func(context.Context) (any, error) {
		return func(context.Context) (any, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			if fail {
				return nil, fmt.Errorf("item %d failed", v)
			}
			return v, nil
		}
	}

	var items []BatchItem
	for i := range 6 {
		items = append(items, BatchItem{
			Key:     fmt.Sprintf("task:%d", i),
			Op:      op(i, i == 3),
			Options: OpOptions{UseCache: true},
		})
	}

	results := f.c.BatchOptimizeOperations(context.Background(), items)
	if len(results) != len(items) {
		t.Fatalf("results: got %d, want %d", len(results), len(items))
	}
	for i, r := range results {
		if r.Key != items[i].Key {
			t.Errorf("result %d key: got %q, want %q", i, r.Key, items[i].Key)
		}
		if i == 3 {
			if r.Err == nil {
				t.Error("item 3 should carry its error")
			}
			continue
		}
		if r.Err != nil || r.Value != i {
			t.Errorf("result %d: got (%v, %v)", i, r.Value, r.Err)
		}
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency: got %d, want <= 2", p)
	}
}

func TestWatcherInvalidatesCache(t *testing.T) {
	cfg := testConfig()
	cfg.Watcher.Paths = []config.WatchPath{{Resource: "repo1", Path: "/src/repo1"}}
	f := newFixture(t, cfg)
	f.start(t)

	f.c.Cache().Put("file_tree:repo1", "root")
	f.c.Cache().Put("file_content:repo1:main.go", "package main")
	f.c.Cache().Put("file_tree:repo2", "other")

	if !f.c.Watcher().IsWatching("repo1") {
		t.Fatal("configured path should be watched after Start")
	}
	err := f.c.Watcher().Notify("repo1", watcher.RawEvent{
		Path: "/src/repo1/main.go",
		Kind: events.ChangeModified,
		At:   time.Now(),
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	waitFor(t, "invalidation", func() bool { return !f.c.Cache().ContainsKey("file_content:repo1:main.go") })
	if f.c.Cache().ContainsKey("file_tree:repo1") {
		t.Error("file_tree:repo1 should be invalidated")
	}
	if !f.c.Cache().ContainsKey("file_tree:repo2") {
		t.Error("other repositories must keep their entries")
	}
}

func TestMonitorSampleReachesHealthAndSystemStatus(t *testing.T) {
	f := newFixture(t, testConfig())
	if _, err := f.c.Broadcaster().Connect(context.Background(), "ops", broadcast.RoleAdmin, broadcast.ClientCLI); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s := f.c.Monitor().Sample(context.Background())

	f.health.mu.Lock()
	statuses := append([]string(nil), f.health.statuses...)
	f.health.mu.Unlock()
	if len(statuses) != 1 || statuses[0] != s.Scores.Status {
		t.Errorf("health reports: got %v, want [%s]", statuses, s.Scores.Status)
	}

	e, ok := f.transport.find(func(e events.Event) bool {
		_, ok := e.(events.HealthUpdate)
		return ok
	})
	if !ok {
		t.Fatal("expected a HealthUpdate delivery")
	}
	if hu := e.(events.HealthUpdate); hu.Score != s.Scores.Composite || hu.Status != s.Scores.Status {
		t.Errorf("health update: %+v", hu)
	}
}

func TestIntegrationScore(t *testing.T) {
	f := newFixture(t, testConfig())

	if got := f.c.IntegrationScore(); got != 1 {
		t.Errorf("idle score: got %v, want 1", got)
	}

	op := func(context.Context) (any, error) { return "v", nil }
	for range 2 {
		if _, err := f.c.OptimizeOperation(context.Background(), "repo:r1", op, OpOptions{UseCache: true}); err != nil {
			t.Fatalf("OptimizeOperation: %v", err)
		}
	}
	// One miss and one hit: hit rate 0.5, every other indicator 1.
	if got, want := f.c.IntegrationScore(), 0.875; got != want {
		t.Errorf("score: got %v, want %v", got, want)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, testConfig())

	if err := f.c.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop before Start: got %v, want ErrNotStarted", err)
	}
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start: got %v, want ErrAlreadyStarted", err)
	}
	if !f.c.Status().Running {
		t.Error("status should report running")
	}
	if err := f.c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.c.Status().Running {
		t.Error("status should report stopped")
	}
	if err := f.c.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("restart: got %v, want ErrStopped", err)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero batch concurrency", func(c *config.Config) { c.Coordinator.BatchConcurrency = 0 }},
		{"zero self-check interval", func(c *config.Config) { c.Coordinator.SelfCheckInterval = 0 }},
		{"duplicate watch resource", func(c *config.Config) {
			c.Watcher.Paths = []config.WatchPath{
				{Resource: "repo1", Path: "/src/repo1"},
				{Resource: "repo1", Path: "/src/again"},
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(cfg)
			if _, err := New(cfg, Upstreams{NewSource: chanSources}); err == nil {
				t.Fatal("expected New to reject the config")
			}
		})
	}
}

func TestStart_RollsBackOnWatchFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Watcher.Paths = []config.WatchPath{
		{Resource: "repo1", Path: "/src/repo1"},
		{Resource: "repo2", Path: "/src/missing"},
	}
	errMissing := errors.New("no such directory")
	f := newFixtureWithSources(t, cfg, func(path string, opts watcher.Options) (watcher.Source, error) {
		if path == "/src/missing" {
			return nil, errMissing
		}
		return chanSources(path, opts)
	})

	err := f.c.Start(context.Background())
	if !errors.Is(err, errMissing) {
		t.Fatalf("Start: got %v, want the source open error", err)
	}
	if f.c.Watcher().IsWatching("repo1") {
		t.Error("watches opened before the failure should be closed")
	}
	if f.c.Status().Running {
		t.Error("coordinator should not be running after a failed Start")
	}
}
