package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devguard/perfcore/internal/metrics"
)

// Default values used when Options leaves a field zero.
const (
	DefaultMaxSize       = 1000
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// entryOverhead approximates the bookkeeping bytes of one entry (map slot,
// ledger record, timestamps) for the memory estimate.
const entryOverhead = 96

var ErrInvalidOptions = errors.New("cache: invalid options")

// Policy assigns a TTL to every key starting with Prefix.
type Policy struct {
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// DefaultPolicies returns the key-prefix TTL table used when none is configured.
func DefaultPolicies() []Policy {
	return []Policy{
		{Prefix: "session:", TTL: 24 * time.Hour},
		{Prefix: "user:", TTL: 30 * time.Minute},
		{Prefix: "repo:", TTL: 30 * time.Minute},
		{Prefix: "file_tree:", TTL: 10 * time.Minute},
		{Prefix: "file_content:", TTL: 5 * time.Minute},
		{Prefix: "task:", TTL: 5 * time.Minute},
		{Prefix: "audit:", TTL: time.Minute},
		{Prefix: "git_status:", TTL: 30 * time.Second},
	}
}

// Options configures a Cache.
type Options struct {
	MaxSize       int
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	Policies      []Policy
}

// Sizer lets a cached value report its own approximate size in bytes.
type Sizer interface {
	Size() int
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Size                 int     `json:"size"`
	MaxSize              int     `json:"max_size"`
	Hits                 uint64  `json:"hits"`
	Misses               uint64  `json:"misses"`
	Evictions            uint64  `json:"evictions"`
	Expirations          uint64  `json:"expirations"`
	HitRate              float64 `json:"hit_rate"`
	EstimatedMemoryBytes int64   `json:"estimated_memory_bytes"`
}

// Lookups returns the number of Get calls counted since the last Clear.
func (s Stats) Lookups() uint64 { return s.Hits + s.Misses }

type entry struct {
	value   any
	size    int64
	created time.Time
	expires time.Time
}

// access is one access-ledger record. seq is the insertion order and breaks
// ties between equal access times.
type access struct {
	at  time.Time
	seq uint64
}

// Cache is a bounded key/value store with per-entry expiry and
// least-recently-used eviction. Expired entries are dropped lazily on access
// and periodically by Run.
//
// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	ledger   map[string]access
	seq      uint64
	policies []Policy // sorted by descending prefix length
	maxSize  int
	ttl      time.Duration
	sweep    time.Duration
	memory   int64

	hits, misses, evictions, expirations uint64

	now func() time.Time // injectable for deterministic tests
}

// New creates a Cache. Zero fields in opts take the package defaults; nil
// Policies take DefaultPolicies.
func New(opts Options) (*Cache, error) {
	if opts.MaxSize == 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Policies == nil {
		opts.Policies = DefaultPolicies()
	}
	if opts.MaxSize < 0 {
		return nil, fmt.Errorf("%w: max size %d must be positive", ErrInvalidOptions, opts.MaxSize)
	}
	if opts.DefaultTTL < 0 {
		return nil, fmt.Errorf("%w: default ttl must not be negative", ErrInvalidOptions)
	}
	if opts.SweepInterval < 0 {
		return nil, fmt.Errorf("%w: sweep interval must not be negative", ErrInvalidOptions)
	}
	policies := make([]Policy, len(opts.Policies))
	copy(policies, opts.Policies)
	for _, p := range policies {
		if p.Prefix == "" {
			return nil, fmt.Errorf("%w: policy prefix must not be empty", ErrInvalidOptions)
		}
		if p.TTL <= 0 {
			return nil, fmt.Errorf("%w: policy %q ttl must be positive", ErrInvalidOptions, p.Prefix)
		}
	}
	sort.SliceStable(policies, func(i, j int) bool {
		return len(policies[i].Prefix) > len(policies[j].Prefix)
	})

	return &Cache{
		entries:  make(map[string]*entry),
		ledger:   make(map[string]access),
		policies: policies,
		maxSize:  opts.MaxSize,
		ttl:      opts.DefaultTTL,
		sweep:    opts.SweepInterval,
		now:      time.Now,
	}, nil
}

// TTLFor returns the TTL Put would assign to key.
func (c *Cache) TTLFor(key string) time.Duration {
	for _, p := range c.policies {
		if strings.HasPrefix(key, p.Prefix) {
			return p.TTL
		}
	}
	return c.ttl
}

// Put stores value under key with the TTL selected by the key-prefix policy.
func (c *Cache) Put(key string, value any) {
	c.PutWithTTL(key, value, 0)
}

// PutWithTTL stores value under key for ttl. A non-positive ttl falls back to
// the key-prefix policy. Inserting a new key into a full cache first evicts
// the least recently used entry.
func (c *Cache) PutWithTTL(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.TTLFor(key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if old, ok := c.entries[key]; ok {
		c.memory -= old.size
	} else if len(c.entries) >= c.maxSize {
		c.evictLRU()
	}

	e := &entry{
		value:   value,
		size:    estimateSize(key, value),
		created: now,
		expires: now.Add(ttl),
	}
	c.entries[key] = e
	c.memory += e.size
	c.touch(key, now)
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

// Get returns the live value for key. A hit refreshes the key's access time;
// an expired entry is removed and reported as a miss.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[key]
	if ok && !now.Before(e.expires) {
		c.removeLocked(key)
		c.expirations++
		metrics.CacheEvictions.WithLabelValues("expired").Inc()
		ok = false
	}
	if !ok {
		c.misses++
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	c.hits++
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	c.touch(key, now)
	return e.value, true
}

// ContainsKey reports whether key holds a live entry. It removes an expired
// entry but neither counts a lookup nor refreshes the access time.
func (c *Cache) ContainsKey(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if !c.now().Before(e.expires) {
		c.removeLocked(key)
		c.expirations++
		return false
	}
	return true
}

// Remove deletes key and reports whether it was present.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.removeLocked(key)
	return true
}

// RemovePrefix deletes every key starting with prefix and returns how many
// were removed.
func (c *Cache) RemovePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(key)
			removed++
		}
	}
	return removed
}

// Clear drops every entry and resets the hit, miss and eviction counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.ledger = make(map[string]access)
	c.memory = 0
	c.hits, c.misses, c.evictions, c.expirations = 0, 0, 0, 0
	metrics.CacheEntries.Set(0)
}

// Len returns the number of stored entries, including expired ones that have
// not been swept yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:                 len(c.entries),
		MaxSize:              c.maxSize,
		Hits:                 c.hits,
		Misses:               c.misses,
		Evictions:            c.evictions,
		Expirations:          c.expirations,
		EstimatedMemoryBytes: c.memory,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Sweep removes entries that expired at or before now and returns the count.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			c.removeLocked(key)
			removed++
		}
	}
	c.expirations += uint64(removed)
	if removed > 0 {
		metrics.CacheEvictions.WithLabelValues("expired").Add(float64(removed))
	}
	return removed
}

// Run starts the background expiry sweep. It blocks until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	t := time.NewTicker(c.sweep)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Sweep(c.now()); n > 0 {
				slog.Debug("cache: swept expired entries", "count", n)
			}
		}
	}
}

// --- internal ---------------------------------------------------------------

func (c *Cache) touch(key string, now time.Time) {
	rec, ok := c.ledger[key]
	if !ok {
		c.seq++
		rec.seq = c.seq
	}
	rec.at = now
	c.ledger[key] = rec
}

// evictLRU removes the entry with the oldest access time. Equal times fall
// back to the earlier insertion.
func (c *Cache) evictLRU() {
	var (
		victim string
		oldest access
		found  bool
	)
	for key, rec := range c.ledger {
		if !found || rec.at.Before(oldest.at) || (rec.at.Equal(oldest.at) && rec.seq < oldest.seq) {
			victim, oldest, found = key, rec, true
		}
	}
	if !found {
		return
	}
	c.removeLocked(victim)
	c.evictions++
	metrics.CacheEvictions.WithLabelValues("lru").Inc()
	slog.Debug("cache: evicted least recently used entry", "key", victim)
}

func (c *Cache) removeLocked(key string) {
	if e, ok := c.entries[key]; ok {
		c.memory -= e.size
		delete(c.entries, key)
	}
	delete(c.ledger, key)
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

func estimateSize(key string, v any) int64 {
	n := len(key) + entryOverhead
	switch x := v.(type) {
	case nil:
	case string:
		n += len(x)
	case []byte:
		n += len(x)
	case Sizer:
		n += x.Size()
	case []string:
		for _, s := range x {
			n += len(s) + 16
		}
	case map[string]string:
		for k, s := range x {
			n += len(k) + len(s) + 32
		}
	default:
		n += 64
	}
	return int64(n)
}
