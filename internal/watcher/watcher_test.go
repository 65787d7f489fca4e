package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/devguard/perfcore/pkg/events"
)

// --- fakes ------------------------------------------------------------------

type chanSource struct {
	events chan RawEvent
	errors chan error
	once   sync.Once
}

func newChanSource() *chanSource {
	return &chanSource{events: make(chan RawEvent, 16), errors: make(chan error, 4)}
}

func (s *chanSource) Events() <-chan RawEvent { return s.events }
func (s *chanSource) Errors() <-chan error    { return s.errors }
func (s *chanSource) Close() error {
	s.once.Do(func() { close(s.events); close(s.errors) })
	return nil
}

type fakeInvalidator struct {
	mu       sync.Mutex
	removed  []string
	prefixes []string
}

func (f *fakeInvalidator) Remove(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, key)
	return false
}

func (f *fakeInvalidator) RemovePrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = append(f.prefixes, prefix)
	return 0
}

type published struct {
	rooms []string
	event events.Event
}

type fakePublisher struct {
	mu  sync.Mutex
	got []published
}

func (f *fakePublisher) Broadcast(rooms []string, e events.Event, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, published{rooms: rooms, event: e})
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.got...)
}

type fixture struct {
	w   *Watcher
	src *chanSource
	inv *fakeInvalidator
	pub *fakePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{src: newChanSource(), inv: &fakeInvalidator{}, pub: &fakePublisher{}}
	f.w = New(Config{
		Invalidator: f.inv,
		Publisher:   f.pub,
		NewSource:   func(string, Options) (Source, error) { return f.src, nil },
	})
	t.Cleanup(f.w.StopAll)
	return f
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

func quietOptions() Options {
	o := DefaultOptions()
	o.DebounceDelay = 30 * time.Millisecond
	o.BatchDelay = 30 * time.Millisecond
	return o
}

// --- tests ------------------------------------------------------------------

func TestDebounce_CollapsesBurst(t *testing.T) {
	f := newFixture(t)
	if err := f.w.Watch("repo-1", "/src", quietOptions()); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	f.src.events <- RawEvent{Path: "/src/b.go", Kind: events.ChangeCreated}
	f.src.events <- RawEvent{Path: "/src/a.go", Kind: events.ChangeModified}
	f.src.events <- RawEvent{Path: "/src/b.go", Kind: events.ChangeModified}

	waitFor(t, "flush", func() bool { return len(f.pub.all()) == 1 })
	time.Sleep(60 * time.Millisecond)

	got := f.pub.all()
	if len(got) != 1 {
		t.Fatalf("broadcasts: got %d, want 1", len(got))
	}
	if got[0].rooms[0] != "repo:repo-1" {
		t.Errorf("room: got %v", got[0].rooms)
	}
	batch, ok := got[0].event.(events.FileChangeBatch)
	if !ok {
		t.Fatalf("event: got %T, want FileChangeBatch", got[0].event)
	}
	if len(batch.Changes) != 2 {
		t.Fatalf("changes: got %d, want 2", len(batch.Changes))
	}
	if batch.Changes[0].Path != "/src/a.go" || batch.Changes[1].Path != "/src/b.go" {
		t.Errorf("order: got %s, %s", batch.Changes[0].Path, batch.Changes[1].Path)
	}
	if batch.Changes[1].Change != events.ChangeModified {
		t.Errorf("last event should win: got %s", batch.Changes[1].Change)
	}
}

func TestDebounce_RestartsOnEachEvent(t *testing.T) {
	f := newFixture(t)
	opts := quietOptions()
	opts.DebounceDelay = 80 * time.Millisecond
	f.w.Watch("repo-1", "/src", opts)

	for i := 0; i < 4; i++ {
		f.w.Notify("repo-1", RawEvent{Path: "/src/main.go", Kind: events.ChangeModified})
		time.Sleep(30 * time.Millisecond)
	}
	if n := len(f.pub.all()); n != 0 {
		t.Fatalf("flushed during a burst: %d broadcasts", n)
	}
	waitFor(t, "quiet flush", func() bool { return len(f.pub.all()) == 1 })
}

func TestBatchWindow_WithoutDebounce(t *testing.T) {
	f := newFixture(t)
	opts := quietOptions()
	opts.Debounce = false
	f.w.Watch("repo-1", "/src", opts)

	f.w.Notify("repo-1", RawEvent{Path: "/src/a.go", Kind: events.ChangeModified})
	f.w.Notify("repo-1", RawEvent{Path: "/src/c.go", Kind: events.ChangeDeleted})

	waitFor(t, "window flush", func() bool { return len(f.pub.all()) == 1 })
	batch := f.pub.all()[0].event.(events.FileChangeBatch)
	if len(batch.Changes) != 2 {
		t.Errorf("changes: got %d, want 2", len(batch.Changes))
	}
}

func TestImmediate_WhenDebounceAndBatchOff(t *testing.T) {
	f := newFixture(t)
	opts := quietOptions()
	opts.Debounce = false
	opts.Batch = false
	f.w.Watch("repo-1", "/src", opts)

	f.w.Notify("repo-1", RawEvent{Path: "/src/a.go", Kind: events.ChangeModified})
	f.w.Notify("repo-1", RawEvent{Path: "/src/b.go", Kind: events.ChangeModified})

	got := f.pub.all()
	if len(got) != 2 {
		t.Fatalf("broadcasts: got %d, want 2", len(got))
	}
	if _, ok := got[0].event.(events.FileChange); !ok {
		t.Errorf("event: got %T, want FileChange", got[0].event)
	}
}

func TestEmit_InvalidatesResourceNamespaces(t *testing.T) {
	f := newFixture(t)
	opts := quietOptions()
	opts.Debounce, opts.Batch = false, false
	f.w.Watch("repo-1", "/src", opts)

	f.w.Notify("repo-1", RawEvent{Path: "/src/a.go", Kind: events.ChangeModified})

	want := []string{"file_content:repo-1:", "file_tree:repo-1:", "git_status:repo-1:", "repo:repo-1:"}
	got := append([]string(nil), f.inv.prefixes...)
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("prefixes: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("prefix[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
	if len(f.inv.removed) != 4 {
		t.Errorf("exact keys removed: got %v", f.inv.removed)
	}
}

func TestFilters(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxFileSize = 100
	opts.Filter = func(p string) bool { return filepath.Base(p) != "skip.go" }

	tests := []struct {
		path string
		size int64
		want bool
	}{
		{"/src/main.go", 10, true},
		{"/src/debug.log", 10, false},
		{"/src/.env", 10, false},
		{"/src/node_modules/x/index.js", 10, false},
		{"/src/.git/HEAD", 10, false},
		{"/src/pkg/big.go", 101, false},
		{"/src/pkg/skip.go", 10, false},
		{"/src/pkg/ok.GO", 10, true},
		{"/src/swap.SWP", 10, false},
	}
	for _, tc := range tests {
		got := keepPath("/src", RawEvent{Path: tc.path, Size: tc.size}, opts)
		if got != tc.want {
			t.Errorf("keep(%s): got %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestFilteredEvents_AreCounted(t *testing.T) {
	f := newFixture(t)
	opts := quietOptions()
	opts.Debounce, opts.Batch = false, false
	f.w.Watch("repo-1", "/src", opts)

	f.w.Notify("repo-1", RawEvent{Path: "/src/app.log"})
	f.w.Notify("repo-1", RawEvent{Path: "/src/app.go"})

	s := f.w.Stats()
	if s.EventsFiltered != 1 || s.EventsProcessed != 1 {
		t.Errorf("stats: filtered=%d processed=%d, want 1/1", s.EventsFiltered, s.EventsProcessed)
	}
	if len(f.pub.all()) != 1 {
		t.Errorf("broadcasts: got %d, want 1", len(f.pub.all()))
	}
}

func TestWatch_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.w.Watch("repo-1", "/src", quietOptions())
	if err := f.w.Watch("repo-1", "/src", quietOptions()); !errors.Is(err, ErrAlreadyWatching) {
		t.Errorf("err: got %v, want ErrAlreadyWatching", err)
	}
}

func TestStop_DiscardsPending(t *testing.T) {
	f := newFixture(t)
	f.w.Watch("repo-1", "/src", quietOptions())
	f.w.Notify("repo-1", RawEvent{Path: "/src/a.go"})

	if err := f.w.Stop("repo-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if n := len(f.pub.all()); n != 0 {
		t.Errorf("broadcasts after stop: got %d, want 0", n)
	}
	if f.w.IsWatching("repo-1") {
		t.Error("IsWatching after Stop")
	}
	if err := f.w.Stop("repo-1"); !errors.Is(err, ErrNotWatching) {
		t.Errorf("second Stop: got %v, want ErrNotWatching", err)
	}
	if err := f.w.Notify("repo-1", RawEvent{Path: "/src/a.go"}); !errors.Is(err, ErrNotWatching) {
		t.Errorf("Notify after Stop: got %v, want ErrNotWatching", err)
	}
}

func TestSourceErrors_AreCounted(t *testing.T) {
	f := newFixture(t)
	f.w.Watch("repo-1", "/src", quietOptions())
	f.src.errors <- errors.New("overflow")

	waitFor(t, "error count", func() bool { return f.w.Stats().Errors == 1 })
}

func TestOnChangeHook(t *testing.T) {
	src := newChanSource()
	got := make(chan events.FileChangeBatch, 1)
	w := New(Config{
		NewSource: func(string, Options) (Source, error) { return src, nil },
		OnChange:  func(b events.FileChangeBatch) { got <- b },
	})
	defer w.StopAll()

	opts := quietOptions()
	opts.Debounce, opts.Batch = false, false
	w.Watch("repo-9", "/src", opts)
	w.Notify("repo-9", RawEvent{Path: "/src/x.go", Kind: events.ChangeCreated})

	select {
	case b := <-got:
		if b.Resource != "repo-9" || len(b.Changes) != 1 {
			t.Errorf("hook batch: %+v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("OnChange not called")
	}
}

func TestFSSource_ReportsWrites(t *testing.T) {
	dir := t.TempDir()
	pub := &fakePublisher{}
	w := New(Config{Publisher: pub})
	defer w.StopAll()

	opts := quietOptions()
	if err := w.Watch("repo-fs", dir, opts); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	path := filepath.Join(dir, "main.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "fsnotify flush", func() bool { return len(pub.all()) > 0 })
	batch := pub.all()[0].event.(events.FileChangeBatch)
	if batch.Changes[0].Path != path {
		t.Errorf("path: got %s, want %s", batch.Changes[0].Path, path)
	}
}
