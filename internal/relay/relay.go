package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devguard/perfcore/internal/broadcast"
	"github.com/devguard/perfcore/internal/metrics"
	"github.com/devguard/perfcore/pkg/events"
)

const (
	DefaultChannelPrefix = "perfcore:conn:"
	DefaultQueueSize     = 1024
	publishTimeout       = 2 * time.Second
)

// ErrQueueFull is returned by Redis.Deliver when the publish queue has no
// room left.
var ErrQueueFull = errors.New("relay: publish queue full")

// Publisher is the subset of the Redis client the relay uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Stats are the relay's publish counters.
type Stats struct {
	Pending   int
	Published uint64
	Failed    uint64
	Dropped   uint64
}

type message struct {
	connID string
	data   []byte
}

// Redis publishes every delivery on a per-connection Redis channel so that
// gateway processes holding the consumer's socket can forward it. Deliver
// only queues; Run does the publishing.
type Redis struct {
	pub    Publisher
	prefix string
	queue  chan message

	mu        sync.Mutex
	published uint64
	failed    uint64
	dropped   uint64
}

// NewRedis creates a relay publishing through pub. An empty prefix uses
// DefaultChannelPrefix and a non-positive queueSize uses DefaultQueueSize.
func NewRedis(pub Publisher, prefix string, queueSize int) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Redis{pub: pub, prefix: prefix, queue: make(chan message, queueSize)}
}

// Channel returns the Redis channel for connID.
func (r *Redis) Channel(connID string) string { return r.prefix + connID }

// Deliver implements broadcast.Transport. It never waits on Redis: the event
// is queued for Run, or rejected with ErrQueueFull.
func (r *Redis) Deliver(connID string, e events.Event) error {
	data, err := events.Marshal(e)
	if err != nil {
		return err
	}
	select {
	case r.queue <- message{connID: connID, data: data}:
		metrics.RelayPublishes.WithLabelValues("queued").Inc()
		return nil
	default:
	}
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
	metrics.RelayPublishes.WithLabelValues("dropped").Inc()
	return fmt.Errorf("%w: %s", ErrQueueFull, connID)
}

// Run publishes queued deliveries until ctx is cancelled.
func (r *Redis) Run(ctx context.Context) {
	slog.Info("relay: publisher started", "prefix", r.prefix, "queue", cap(r.queue))
	for {
		select {
		case <-ctx.Done():
			if n := len(r.queue); n > 0 {
				slog.Warn("relay: publisher stopped with unpublished events", "pending", n)
			}
			return
		case m := <-r.queue:
			r.publish(ctx, m)
		}
	}
}

// Stats returns the relay's counters.
func (r *Redis) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Pending:   len(r.queue),
		Published: r.published,
		Failed:    r.failed,
		Dropped:   r.dropped,
	}
}

func (r *Redis) publish(ctx context.Context, m message) {
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err := r.pub.Publish(pctx, r.Channel(m.connID), m.data).Err()

	r.mu.Lock()
	if err != nil {
		r.failed++
	} else {
		r.published++
	}
	r.mu.Unlock()

	if err != nil {
		metrics.RelayPublishes.WithLabelValues("failed").Inc()
		if ctx.Err() == nil {
			slog.Error("relay: publish failed", "conn", m.connID, "err", err)
		}
		return
	}
	metrics.RelayPublishes.WithLabelValues("published").Inc()
}

// Fanout delivers to every transport in order. Delivery succeeds when at
// least one transport accepts the event; otherwise the errors are joined.
type Fanout []broadcast.Transport

// Deliver implements broadcast.Transport.
func (f Fanout) Deliver(connID string, e events.Event) error {
	var errs []error
	for _, t := range f {
		if err := t.Deliver(connID, e); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) < len(f) {
		return nil
	}
	return errors.Join(errs...)
}
