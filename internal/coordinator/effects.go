package coordinator

import (
	"time"

	"github.com/devguard/perfcore/pkg/events"
)

// Effect is a side effect planned by an operation and executed by the
// coordinator once the operation's result is known.
type Effect interface {
	effect()
}

// BroadcastEffect publishes Event to Rooms.
type BroadcastEffect struct {
	Rooms   []string
	Event   events.Event
	Batched bool
}

// AuditEffect writes one audit record.
type AuditEffect struct {
	Description string
	Fields      map[string]any
}

// QueryEffect records one upstream fetch for the query-layer stats.
type QueryEffect struct {
	Duration time.Duration
	Err      error
}

func (BroadcastEffect) effect() {}
func (AuditEffect) effect()     {}
func (QueryEffect) effect()     {}

// outcome is what an operation observed.
type outcome struct {
	Key      string
	CacheHit bool

	// Fetched is set when this call ran the upstream fetch itself, as
	// opposed to joining another caller's fetch or hitting the cache.
	Fetched       bool
	FetchDuration time.Duration
	FetchErr      error

	Duration   time.Duration
	Err        error
	FinishedAt time.Time
}

// planOperation decides the side effects of a finished operation. It has no
// side effects of its own.
func planOperation(o outcome, opts OpOptions) []Effect {
	var out []Effect

	if o.Fetched {
		out = append(out, QueryEffect{Duration: o.FetchDuration, Err: o.FetchErr})
	}

	if opts.Broadcast {
		rooms := opts.Rooms
		if len(rooms) == 0 {
			rooms = DefaultOperationRooms
		}
		ev := events.OperationComplete{
			Key:        o.Key,
			CacheHit:   o.CacheHit,
			Duration:   o.Duration,
			FinishedAt: o.FinishedAt,
		}
		if o.Err != nil {
			ev.Error = o.Err.Error()
		}
		out = append(out, BroadcastEffect{Rooms: rooms, Event: ev, Batched: true})
	}

	if opts.Audit {
		desc := "operation completed"
		fields := map[string]any{
			"key":         o.Key,
			"cache_hit":   o.CacheHit,
			"duration_ms": o.Duration.Milliseconds(),
		}
		if o.Err != nil {
			desc = "operation failed"
			fields["error"] = o.Err.Error()
		}
		out = append(out, AuditEffect{Description: desc, Fields: fields})
	}
	return out
}
