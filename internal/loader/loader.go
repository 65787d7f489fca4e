package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/devguard/perfcore/internal/cache"
	"github.com/devguard/perfcore/internal/metrics"
)

const DefaultPageSize = 50

var (
	// ErrCancelled is returned to every waiter of a load cancelled with
	// CancelLoading.
	ErrCancelled = errors.New("loader: load cancelled")

	// ErrUnknownResource is returned by LoadPage for a resource type without a
	// registered page fetcher.
	ErrUnknownResource = errors.New("loader: unknown resource")
)

// FetchFunc retrieves a value from the upstream data source.
type FetchFunc func(ctx context.Context) (any, error)

// PageFetchFunc retrieves one page of a paginated upstream collection.
type PageFetchFunc func(ctx context.Context, params string, page, size int) (Page, error)

// Page is one page of a paginated collection.
type Page struct {
	Resource string `json:"resource"`
	Params   string `json:"params"`
	Number   int    `json:"page"`
	Size     int    `json:"page_size"`
	Items    any    `json:"items"`
	HasMore  bool   `json:"has_more"`
}

// Options configures a Loader.
type Options struct {
	// PageSize is the number of items requested per page (default 50).
	PageSize int

	// PageTTL overrides the cache TTL of loaded pages. Zero uses the cache's
	// key-prefix policy.
	PageTTL time.Duration

	// FetchTimeout bounds a single upstream fetch. Zero means no bound.
	FetchTimeout time.Duration

	// Preload lists the resource types whose next page is fetched in the
	// background after a page reports HasMore.
	Preload []string
}

// Stats is a point-in-time view of loader counters.
type Stats struct {
	InFlight        int    `json:"in_flight"`
	Waiters         int    `json:"waiters"`
	Fetches         uint64 `json:"fetches"`
	Coalesced       uint64 `json:"coalesced"`
	Failures        uint64 `json:"failures"`
	Cancelled       uint64 `json:"cancelled"`
	Preloads        uint64 `json:"preloads"`
	PreloadFailures uint64 `json:"preload_failures"`
}

// call tracks one in-flight load. cancelled is closed by CancelLoading.
type call struct {
	cancelled chan struct{}
}

// Loader collapses concurrent loads of the same key into one upstream fetch
// and stores successful results in the cache. A failed fetch is not cached,
// so the next load retries.
//
// Loader is safe for concurrent use.
type Loader struct {
	cache *cache.Cache
	group singleflight.Group

	pageSize     int
	pageTTL      time.Duration
	fetchTimeout time.Duration
	preload      map[string]bool

	mu       sync.Mutex
	inflight map[string]*call
	fetchers map[string]PageFetchFunc
	waiters  int
	stats    Stats

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New creates a Loader that stores results in c.
func New(c *cache.Cache, opts Options) *Loader {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	preload := make(map[string]bool, len(opts.Preload))
	for _, r := range opts.Preload {
		preload[r] = true
	}
	base, stop := context.WithCancel(context.Background())
	return &Loader{
		cache:        c,
		pageSize:     opts.PageSize,
		pageTTL:      opts.PageTTL,
		fetchTimeout: opts.FetchTimeout,
		preload:      preload,
		inflight:     make(map[string]*call),
		fetchers:     make(map[string]PageFetchFunc),
		base:         base,
		stop:         stop,
	}
}

// PageKey returns the cache key of one page.
func PageKey(resource, params string, page int) string {
	return fmt.Sprintf("%s:%s:%d", resource, params, page)
}

// Register installs the page fetcher for a resource type, replacing any
// previous one.
func (l *Loader) Register(resource string, fetch PageFetchFunc) {
	l.mu.Lock()
	l.fetchers[resource] = fetch
	l.mu.Unlock()
}

// Load returns the cached value for key, or fetches it once no matter how many
// callers ask concurrently. cached reports whether the value came from the
// cache. A ttl of zero uses the cache's key-prefix policy.
//
// Fetch runs detached from ctx: a caller giving up does not abort the fetch
// other waiters share.
func (l *Loader) Load(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (v any, cached bool, err error) {
	if v, ok := l.cache.Get(key); ok {
		return v, true, nil
	}

	c := l.join(key)
	ch := l.group.DoChan(key, func() (any, error) {
		return l.fetch(key, ttl, c, fetch)
	})
	l.mu.Lock()
	l.waiters++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.waiters--
		l.mu.Unlock()
	}()

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		return r.Val, false, nil
	case <-c.cancelled:
		return nil, false, ErrCancelled
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// LoadPage loads one page of resource through Load. When the page reports
// more data and resource is in the preload set, the next page is fetched in
// the background.
func (l *Loader) LoadPage(ctx context.Context, resource, params string, page int) (Page, error) {
	p, err := l.loadPage(ctx, resource, params, page)
	if err != nil {
		return Page{}, err
	}
	if p.HasMore {
		l.PreloadNextPage(resource, params, page)
	}
	return p, nil
}

// PreloadNextPage fetches page currentPage+1 in the background. It does
// nothing for resource types outside the preload set, or when the page is
// already cached or loading. Failures are counted and otherwise ignored.
func (l *Loader) PreloadNextPage(resource, params string, currentPage int) {
	if !l.preload[resource] {
		return
	}
	next := currentPage + 1
	key := PageKey(resource, params, next)
	if l.cache.ContainsKey(key) || l.IsLoading(key) {
		return
	}
	if l.base.Err() != nil {
		return
	}

	l.mu.Lock()
	l.stats.Preloads++
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if _, err := l.loadPage(l.base, resource, params, next); err != nil {
			l.mu.Lock()
			l.stats.PreloadFailures++
			l.mu.Unlock()
			slog.Debug("loader: preload failed", "resource", resource, "page", next, "err", err)
		}
	}()
}

// IsLoading reports whether a fetch for key is in flight.
func (l *Loader) IsLoading(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.inflight[key]
	return ok
}

// CancelLoading completes every current waiter of key with ErrCancelled and
// frees the key for a new fetch. The running fetch is not interrupted and its
// result is discarded. It reports whether a load was in flight.
func (l *Loader) CancelLoading(key string) bool {
	l.mu.Lock()
	c, ok := l.inflight[key]
	if ok {
		delete(l.inflight, key)
		close(c.cancelled)
		l.stats.Cancelled++
	}
	l.mu.Unlock()

	if ok {
		l.group.Forget(key)
		slog.Debug("loader: load cancelled", "key", key)
	}
	return ok
}

// Stats returns the current counters.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.InFlight = len(l.inflight)
	s.Waiters = l.waiters
	return s
}

// Close stops background preloads and waits for them to return.
func (l *Loader) Close() {
	l.stop()
	l.wg.Wait()
}

// --- internal ---------------------------------------------------------------

func (l *Loader) join(key string) *call {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.inflight[key]; ok {
		l.stats.Coalesced++
		metrics.LoaderCoalesced.Inc()
		return c
	}
	c := &call{cancelled: make(chan struct{})}
	l.inflight[key] = c
	return c
}

func (l *Loader) fetch(key string, ttl time.Duration, c *call, fetch FetchFunc) (any, error) {
	ctx := l.base
	if l.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.fetchTimeout)
		defer cancel()
	}

	l.mu.Lock()
	l.stats.Fetches++
	l.mu.Unlock()

	start := time.Now()
	v, err := fetch(ctx)
	metrics.LoaderFetchDuration.Observe(time.Since(start).Seconds())

	l.mu.Lock()
	cancelled := isClosed(c.cancelled)
	if err != nil {
		l.stats.Failures++
	}
	l.mu.Unlock()

	if err != nil {
		metrics.LoaderFetches.WithLabelValues("failed").Inc()
		slog.Debug("loader: fetch failed", "key", key, "err", err)
	} else {
		metrics.LoaderFetches.WithLabelValues("success").Inc()
		if !cancelled {
			l.cache.PutWithTTL(key, v, ttl)
		}
	}

	l.mu.Lock()
	if l.inflight[key] == c {
		delete(l.inflight, key)
	}
	l.mu.Unlock()

	return v, err
}

func (l *Loader) loadPage(ctx context.Context, resource, params string, page int) (Page, error) {
	l.mu.Lock()
	fetch, ok := l.fetchers[resource]
	l.mu.Unlock()
	if !ok {
		return Page{}, fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}

	size := l.pageSize
	v, _, err := l.Load(ctx, PageKey(resource, params, page), l.pageTTL, func(ctx context.Context) (any, error) {
		p, err := fetch(ctx, params, page, size)
		if err != nil {
			return nil, err
		}
		p.Resource, p.Params, p.Number, p.Size = resource, params, page, size
		return p, nil
	})
	if err != nil {
		return Page{}, err
	}
	p, ok := v.(Page)
	if !ok {
		return Page{}, fmt.Errorf("loader: cached value for %s page %d is %T, not Page", resource, page, v)
	}
	return p, nil
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
