package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devguard/perfcore/internal/metrics"
	"github.com/devguard/perfcore/pkg/events"
)

// Default values used when Options leaves a duration zero.
const (
	DefaultDebounceDelay = 300 * time.Millisecond
	DefaultBatchDelay    = 100 * time.Millisecond
	DefaultMaxFileSize   = 10 << 20
)

var (
	ErrAlreadyWatching = errors.New("watcher: resource already watched")
	ErrNotWatching     = errors.New("watcher: resource not watched")
)

// InvalidatedNamespaces are the cache key namespaces dropped for a resource
// when its change set is emitted.
var InvalidatedNamespaces = []string{"file_tree", "file_content", "git_status", "repo"}

// RawEvent is one filesystem notification before filtering.
type RawEvent struct {
	Path string
	Kind events.ChangeKind
	Size int64
	At   time.Time
}

// Source produces raw events for one watched path.
type Source interface {
	Events() <-chan RawEvent
	Errors() <-chan error
	Close() error
}

// SourceFactory opens a Source for path.
type SourceFactory func(path string, opts Options) (Source, error)

// Invalidator drops cached entries affected by a change. *cache.Cache
// implements it.
type Invalidator interface {
	Remove(key string) bool
	RemovePrefix(prefix string) int
}

// Publisher delivers change notifications to rooms. *broadcast.Broadcaster
// implements it.
type Publisher interface {
	Broadcast(rooms []string, e events.Event, batched bool)
}

// Options configures one watch.
type Options struct {
	// Debounce restarts a DebounceDelay timer on every accepted event and
	// emits once the resource has been quiet that long.
	Debounce      bool
	DebounceDelay time.Duration

	// Batch collects events for a fixed BatchDelay window when Debounce is
	// off, and emits one FileChangeBatch per window instead of one
	// FileChange per path.
	Batch      bool
	BatchDelay time.Duration

	IgnoredExtensions []string
	IgnoredDirs       []string
	IgnoreHidden      bool

	// MaxFileSize drops events for files larger than this many bytes.
	// Zero disables the check.
	MaxFileSize int64

	// Filter, when set, must return true for a path to be kept.
	Filter func(path string) bool

	Recursive bool
}

// DefaultOptions returns debounced, batched, recursive watching with the
// usual build and VCS noise filtered out.
func DefaultOptions() Options {
	return Options{
		Debounce:          true,
		DebounceDelay:     DefaultDebounceDelay,
		Batch:             true,
		BatchDelay:        DefaultBatchDelay,
		IgnoredExtensions: []string{".log", ".tmp", ".swp", ".swo", ".bak", ".lock"},
		IgnoredDirs: []string{
			"node_modules", ".git", "vendor", "build", "dist", "out", ".next",
			"target", "__pycache__", ".pytest_cache", ".vscode", ".idea", "coverage",
		},
		IgnoreHidden: true,
		MaxFileSize:  DefaultMaxFileSize,
		Recursive:    true,
	}
}

// Config wires a Watcher to its collaborators.
type Config struct {
	Invalidator Invalidator
	Publisher   Publisher

	// NewSource opens event sources. Nil uses NewFSSource.
	NewSource SourceFactory

	// OnChange, when set, receives every emitted change set.
	OnChange func(events.FileChangeBatch)
}

// HandleInfo is a read-only view of one watch.
type HandleInfo struct {
	Resource        string    `json:"resource"`
	Path            string    `json:"path"`
	StartedAt       time.Time `json:"started_at"`
	LastEvent       time.Time `json:"last_event,omitempty"`
	EventsProcessed uint64    `json:"events_processed"`
	EventsFiltered  uint64    `json:"events_filtered"`
	Errors          uint64    `json:"errors"`
	Flushes         uint64    `json:"flushes"`
	Pending         int       `json:"pending"`
}

// Stats aggregates every active watch.
type Stats struct {
	Watching        int    `json:"watching"`
	EventsProcessed uint64 `json:"events_processed"`
	EventsFiltered  uint64 `json:"events_filtered"`
	Errors          uint64 `json:"errors"`
	Flushes         uint64 `json:"flushes"`
}

// Watcher turns raw filesystem events into debounced, collapsed change sets,
// invalidates the affected cache entries and publishes the change to the
// resource's room.
//
// Watcher is safe for concurrent use.
type Watcher struct {
	inv       Invalidator
	pub       Publisher
	newSource SourceFactory
	onChange  func(events.FileChangeBatch)

	mu      sync.Mutex
	handles map[string]*handle

	now func() time.Time
}

type handle struct {
	resource string
	path     string
	opts     Options
	src      Source
	started  time.Time

	mu        sync.Mutex
	pending   map[string]events.FileChange
	timer     *time.Timer
	gen       uint64
	stopped   bool
	processed uint64
	filtered  uint64
	errs      uint64
	flushes   uint64
	lastEvent time.Time

	quit chan struct{}
	done chan struct{}
}

// New creates a Watcher.
func New(cfg Config) *Watcher {
	newSource := cfg.NewSource
	if newSource == nil {
		newSource = NewFSSource
	}
	return &Watcher{
		inv:       cfg.Invalidator,
		pub:       cfg.Publisher,
		newSource: newSource,
		onChange:  cfg.OnChange,
		handles:   make(map[string]*handle),
		now:       time.Now,
	}
}

// RoomFor returns the broadcast room that receives a resource's changes.
func RoomFor(resource string) string { return "repo:" + resource }

// Watch starts watching path on behalf of resource.
func (w *Watcher) Watch(resource, path string, opts Options) error {
	if resource == "" {
		return fmt.Errorf("watcher: resource must not be empty")
	}
	if opts.DebounceDelay <= 0 {
		opts.DebounceDelay = DefaultDebounceDelay
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = DefaultBatchDelay
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.handles[resource]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyWatching, resource)
	}

	src, err := w.newSource(path, opts)
	if err != nil {
		return fmt.Errorf("watcher: open %q: %w", path, err)
	}
	h := &handle{
		resource: resource,
		path:     path,
		opts:     opts,
		src:      src,
		started:  w.now(),
		pending:  make(map[string]events.FileChange),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.handles[resource] = h
	go w.pump(h)

	slog.Info("watcher: watching", "resource", resource, "path", path,
		"debounce", opts.Debounce, "batch", opts.Batch)
	return nil
}

// Notify feeds an event for resource as if its source had produced it.
func (w *Watcher) Notify(resource string, ev RawEvent) error {
	w.mu.Lock()
	h, ok := w.handles[resource]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWatching, resource)
	}
	w.accept(h, ev)
	return nil
}

// Stop ends the watch for resource. Pending changes are discarded.
func (w *Watcher) Stop(resource string) error {
	w.mu.Lock()
	h, ok := w.handles[resource]
	if ok {
		delete(w.handles, resource)
	}
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWatching, resource)
	}
	w.stopHandle(h)
	slog.Info("watcher: stopped", "resource", resource)
	return nil
}

// StopAll ends every watch.
func (w *Watcher) StopAll() {
	w.mu.Lock()
	hs := make([]*handle, 0, len(w.handles))
	for id, h := range w.handles {
		hs = append(hs, h)
		delete(w.handles, id)
	}
	w.mu.Unlock()

	for _, h := range hs {
		w.stopHandle(h)
	}
}

// IsWatching reports whether resource has an active watch.
func (w *Watcher) IsWatching(resource string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.handles[resource]
	return ok
}

// Handles returns every active watch, sorted by resource.
func (w *Watcher) Handles() []HandleInfo {
	w.mu.Lock()
	hs := make([]*handle, 0, len(w.handles))
	for _, h := range w.handles {
		hs = append(hs, h)
	}
	w.mu.Unlock()

	out := make([]HandleInfo, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// Stats sums the counters of every active watch.
func (w *Watcher) Stats() Stats {
	var s Stats
	for _, info := range w.Handles() {
		s.Watching++
		s.EventsProcessed += info.EventsProcessed
		s.EventsFiltered += info.EventsFiltered
		s.Errors += info.Errors
		s.Flushes += info.Flushes
	}
	return s
}

// --- internal ---------------------------------------------------------------

func (w *Watcher) pump(h *handle) {
	defer close(h.done)
	evs, errs := h.src.Events(), h.src.Errors()
	for {
		select {
		case <-h.quit:
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			w.accept(h, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			h.mu.Lock()
			h.errs++
			h.mu.Unlock()
			metrics.WatcherErrors.Inc()
			slog.Warn("watcher: source error", "resource", h.resource, "err", err)
		}
	}
}

func (w *Watcher) accept(h *handle, ev RawEvent) {
	if ev.At.IsZero() {
		ev.At = w.now()
	}
	keep := h.keep(ev)

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	if !keep {
		h.filtered++
		h.mu.Unlock()
		metrics.WatcherEvents.WithLabelValues("filtered").Inc()
		return
	}
	h.processed++
	h.lastEvent = ev.At
	metrics.WatcherEvents.WithLabelValues("accepted").Inc()

	change := events.FileChange{
		Resource: h.resource,
		Path:     ev.Path,
		Change:   ev.Kind,
		Size:     ev.Size,
		At:       ev.At,
	}

	switch {
	case h.opts.Debounce:
		h.pending[ev.Path] = change
		if h.timer != nil {
			h.timer.Stop()
		}
		h.arm(w, h.opts.DebounceDelay)
	case h.opts.Batch:
		h.pending[ev.Path] = change
		if h.timer == nil {
			h.arm(w, h.opts.BatchDelay)
		}
	default:
		h.flushes++
		h.mu.Unlock()
		w.emit(h, []events.FileChange{change})
		return
	}
	h.mu.Unlock()
}

// arm starts a flush timer tagged with a fresh generation; a timer that fires
// after being superseded finds a newer generation and does nothing.
// Requires h.mu.
func (h *handle) arm(w *Watcher, d time.Duration) {
	h.gen++
	gen := h.gen
	h.timer = time.AfterFunc(d, func() { w.flush(h, gen) })
}

func (w *Watcher) flush(h *handle, gen uint64) {
	h.mu.Lock()
	if h.stopped || gen != h.gen || len(h.pending) == 0 {
		h.mu.Unlock()
		return
	}
	changes := make([]events.FileChange, 0, len(h.pending))
	for _, c := range h.pending {
		changes = append(changes, c)
	}
	h.pending = make(map[string]events.FileChange)
	h.timer = nil
	h.flushes++
	h.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	w.emit(h, changes)
}

func (w *Watcher) emit(h *handle, changes []events.FileChange) {
	metrics.WatcherFlushes.Inc()

	if w.inv != nil {
		removed := 0
		for _, ns := range InvalidatedNamespaces {
			key := ns + ":" + h.resource
			if w.inv.Remove(key) {
				removed++
			}
			removed += w.inv.RemovePrefix(key + ":")
		}
		if removed > 0 {
			slog.Debug("watcher: invalidated cache entries", "resource", h.resource, "count", removed)
		}
	}

	batch := events.FileChangeBatch{Resource: h.resource, Changes: changes}
	if w.pub != nil {
		room := []string{RoomFor(h.resource)}
		if h.opts.Batch {
			w.pub.Broadcast(room, batch, false)
		} else {
			for _, c := range changes {
				w.pub.Broadcast(room, c, false)
			}
		}
	}
	if w.onChange != nil {
		w.onChange(batch)
	}

	slog.Debug("watcher: emitted changes", "resource", h.resource, "paths", len(changes))
}

func (w *Watcher) stopHandle(h *handle) {
	h.mu.Lock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.pending = nil
	h.mu.Unlock()

	close(h.quit)
	if err := h.src.Close(); err != nil {
		slog.Warn("watcher: close source", "resource", h.resource, "err", err)
	}
	<-h.done
}

func (h *handle) info() HandleInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HandleInfo{
		Resource:        h.resource,
		Path:            h.path,
		StartedAt:       h.started,
		LastEvent:       h.lastEvent,
		EventsProcessed: h.processed,
		EventsFiltered:  h.filtered,
		Errors:          h.errs,
		Flushes:         h.flushes,
		Pending:         len(h.pending),
	}
}

// keep applies the watch's filters to ev.
func (h *handle) keep(ev RawEvent) bool {
	return keepPath(h.path, ev, h.opts)
}

func keepPath(root string, ev RawEvent, opts Options) bool {
	base := filepath.Base(ev.Path)
	ext := strings.ToLower(filepath.Ext(base))
	for _, ignored := range opts.IgnoredExtensions {
		if ext == strings.ToLower(ignored) {
			return false
		}
	}
	if opts.IgnoreHidden && strings.HasPrefix(base, ".") {
		return false
	}
	if ignoredDir(root, ev.Path, opts) {
		return false
	}
	if opts.MaxFileSize > 0 && ev.Size > opts.MaxFileSize {
		return false
	}
	if opts.Filter != nil && !opts.Filter(ev.Path) {
		return false
	}
	return true
}

// ignoredDir reports whether any directory between root and path is ignored
// or hidden.
func ignoredDir(root, path string, opts Options) bool {
	rel := path
	if root != "" {
		if r, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	parts := strings.Split(filepath.ToSlash(filepath.Dir(rel)), "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			continue
		}
		if opts.IgnoreHidden && strings.HasPrefix(part, ".") {
			return true
		}
		for _, ignored := range opts.IgnoredDirs {
			if part == ignored {
				return true
			}
		}
	}
	return false
}
