package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/devguard/perfcore/internal/metrics"
)

// Default values used when Options leaves a field zero.
const (
	DefaultBufferSize   = 500
	DefaultRatePerSec   = 5
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 500 * time.Millisecond
	maxRetryBackoff     = 10 * time.Second
	sendTimeout         = 10 * time.Second
)

// Record is one audit entry.
type Record struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Fields      map[string]any `json:"fields,omitempty"`
	At          time.Time      `json:"at"`
}

// Recorder accepts audit entries. Implementations never block and never
// fail the caller.
type Recorder interface {
	Record(description string, fields map[string]any)
}

// LogRecorder writes audit entries to the structured log only.
type LogRecorder struct{}

// Record implements Recorder.
func (LogRecorder) Record(description string, fields map[string]any) {
	args := make([]any, 0, 2+2*len(fields))
	args = append(args, "description", description)
	for _, k := range sortedKeys(fields) {
		args = append(args, k, fields[k])
	}
	slog.Debug("audit: record", args...)
}

// Target is one webhook destination.
type Target struct {
	// Type is one of: slack | http.
	Type string
	URL  string
}

// Options configures a Sink.
type Options struct {
	BufferSize int

	// RatePerSec caps webhook posts per second across all targets.
	RatePerSec float64

	// MaxAttempts bounds delivery attempts per record and target.
	MaxAttempts  int
	RetryBackoff time.Duration

	Targets []Target
	Client  *http.Client
}

// Sink buffers audit records and posts them to webhook targets from Run.
// Record is non-blocking: when the buffer is full the oldest record is
// dropped.
type Sink struct {
	opts    Options
	buf     chan Record
	client  *http.Client
	limiter *rate.Limiter

	mu      sync.Mutex
	dropped uint64
	sent    uint64
	failed  uint64

	now   func() time.Time
	newID func() string
}

// Stats reports Sink counters.
type Stats struct {
	Pending   int    `json:"pending"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// NewSink creates a Sink.
func NewSink(opts Options) *Sink {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = DefaultRatePerSec
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: sendTimeout}
	}
	burst := int(opts.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Sink{
		opts:    opts,
		buf:     make(chan Record, opts.BufferSize),
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), burst),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Record implements Recorder.
func (s *Sink) Record(description string, fields map[string]any) {
	r := Record{
		ID:          s.newID(),
		Description: description,
		Fields:      fields,
		At:          s.now().UTC(),
	}
	select {
	case s.buf <- r:
	default:
		select {
		case old := <-s.buf:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			metrics.AuditRecords.WithLabelValues("dropped").Inc()
			slog.Warn("audit: buffer full, dropped oldest record",
				"dropped_id", old.ID, "buffer_cap", cap(s.buf))
		default:
		}
		select {
		case s.buf <- r:
		default:
			// Lost a race with another producer; the newest record wins
			// next time.
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			metrics.AuditRecords.WithLabelValues("dropped").Inc()
			return
		}
	}
	metrics.AuditRecords.WithLabelValues("queued").Inc()
}

// Run delivers buffered records until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	slog.Info("audit: sink started", "targets", len(s.opts.Targets), "buffer", cap(s.buf))
	for {
		select {
		case <-ctx.Done():
			if n := len(s.buf); n > 0 {
				slog.Warn("audit: sink stopped with undelivered records", "pending", n)
			}
			return
		case r := <-s.buf:
			s.deliver(ctx, r)
		}
	}
}

// Stats returns the sink's counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:   len(s.buf),
		Delivered: s.sent,
		Failed:    s.failed,
		Dropped:   s.dropped,
	}
}

// deliver posts r to every target, retrying transient failures.
func (s *Sink) deliver(ctx context.Context, r Record) {
	for _, t := range s.opts.Targets {
		if t.URL == "" {
			continue
		}
		err := s.deliverTo(ctx, t, r)
		s.mu.Lock()
		if err != nil {
			s.failed++
		} else {
			s.sent++
		}
		s.mu.Unlock()

		if err != nil {
			metrics.AuditRecords.WithLabelValues("failed").Inc()
			if ctx.Err() == nil {
				slog.Error("audit: webhook delivery failed",
					"type", t.Type, "record", r.ID, "err", err)
			}
			continue
		}
		metrics.AuditRecords.WithLabelValues("delivered").Inc()
		slog.Debug("audit: webhook delivered", "type", t.Type, "record", r.ID)
	}
}

func (s *Sink) deliverTo(ctx context.Context, t Target, r Record) error {
	bo := newBackoff(s.opts.RetryBackoff)
	var err error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if werr := s.limiter.Wait(ctx); werr != nil {
			return werr
		}
		err = send(ctx, s.client, t, r)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) || attempt == s.opts.MaxAttempts {
			break
		}
		wait := bo.next()
		slog.Warn("audit: webhook attempt failed, will retry",
			"type", t.Type, "attempt", attempt, "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

// backoff is a truncated exponential backoff with ±25% jitter.
type backoff struct {
	current time.Duration
}

func newBackoff(initial time.Duration) *backoff {
	return &backoff{current: initial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}
	b.current *= 2
	if b.current > maxRetryBackoff {
		b.current = maxRetryBackoff
	}
	return d
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// summary renders r as one line for chat targets.
func summary(r Record) string {
	line := r.Description
	for _, k := range sortedKeys(r.Fields) {
		line += fmt.Sprintf(" %s=%v", k, r.Fields[k])
	}
	return line
}
