package querystats

import (
	"context"
	"sync"
	"time"

	"github.com/devguard/perfcore/internal/metrics"
)

// Stats summarizes the query layer over the last sampling window.
type Stats struct {
	Queries    uint64        `json:"queries"`
	Errors     uint64        `json:"errors"`
	AvgLatency time.Duration `json:"avg_latency"`
	SampledAt  time.Time     `json:"sampled_at"`
}

// AvgLatencyMS returns the average latency in milliseconds.
func (s Stats) AvgLatencyMS() float64 {
	return float64(s.AvgLatency) / float64(time.Millisecond)
}

// ErrorRate returns Errors/Queries, or 0 when nothing ran.
func (s Stats) ErrorRate() float64 {
	if s.Queries == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Queries)
}

// Source reports query-layer statistics.
type Source interface {
	QueryStats(ctx context.Context) (Stats, error)
}

// Recorder is an in-process Source fed by the operations that run through
// the coordinator. Each QueryStats call reports the window since the
// previous call.
type Recorder struct {
	mu     sync.Mutex
	count  uint64
	errors uint64
	total  time.Duration

	// last window, reported again when nothing ran since
	last Stats

	now func() time.Time
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// Record adds one query of duration d. A non-nil err counts as a failure.
func (r *Recorder) Record(d time.Duration, err error) {
	r.mu.Lock()
	r.count++
	r.total += d
	if err != nil {
		r.errors++
	}
	r.mu.Unlock()

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.QueryDuration.WithLabelValues(status).Observe(d.Seconds())
}

// QueryStats implements Source. When no query ran since the previous call
// the previous window is returned with a fresh timestamp.
func (r *Recorder) QueryStats(_ context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.count == 0 {
		s := r.last
		s.SampledAt = now
		return s, nil
	}
	s := Stats{
		Queries:    r.count,
		Errors:     r.errors,
		AvgLatency: r.total / time.Duration(r.count),
		SampledAt:  now,
	}
	r.last = s
	r.count, r.errors, r.total = 0, 0, 0
	return s, nil
}
