package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names an event variant on the wire.
type Kind string

const (
	KindTaskUpdate        Kind = "task_update"
	KindSecurityAlert     Kind = "security_alert"
	KindFileChange        Kind = "file_change"
	KindFileChangeBatch   Kind = "file_change_batch"
	KindBatchUpdate       Kind = "batch_update"
	KindOperationComplete Kind = "operation_complete"
	KindHealthUpdate      Kind = "health_update"
)

// Event is implemented by every payload the broadcaster can carry.
type Event interface {
	Kind() Kind
}

// ChangeKind classifies a filesystem change.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed"
)

// TaskUpdate announces a change to a task owned by the external task service.
type TaskUpdate struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Assignee  string    `json:"assignee,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SecurityAlert is raised by the external security scanner.
type SecurityAlert struct {
	AlertID     string    `json:"alert_id"`
	Severity    string    `json:"severity"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	RaisedAt    time.Time `json:"raised_at"`
}

// FileChange describes the latest change to one path of a watched resource.
type FileChange struct {
	Resource string     `json:"resource"`
	Path     string     `json:"path"`
	Change   ChangeKind `json:"change"`
	Size     int64      `json:"size,omitempty"`
	At       time.Time  `json:"at"`
}

// FileChangeBatch is the collapsed change set emitted when a watch window closes.
type FileChangeBatch struct {
	Resource string       `json:"resource"`
	Changes  []FileChange `json:"changes"`
}

// BatchUpdate carries every event queued for a room during one batch window,
// in the order they were broadcast.
type BatchUpdate struct {
	Room      string    `json:"room"`
	Events    []Event   `json:"-"`
	FlushedAt time.Time `json:"flushed_at"`
}

// OperationComplete reports the outcome of a coordinated operation.
type OperationComplete struct {
	Key        string        `json:"key"`
	CacheHit   bool          `json:"cache_hit"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// HealthUpdate publishes the monitor's latest composite score.
type HealthUpdate struct {
	Score     float64   `json:"score"`
	Status    string    `json:"status"`
	SampledAt time.Time `json:"sampled_at"`
}

func (TaskUpdate) Kind() Kind        { return KindTaskUpdate }
func (SecurityAlert) Kind() Kind     { return KindSecurityAlert }
func (FileChange) Kind() Kind        { return KindFileChange }
func (FileChangeBatch) Kind() Kind   { return KindFileChangeBatch }
func (BatchUpdate) Kind() Kind       { return KindBatchUpdate }
func (OperationComplete) Kind() Kind { return KindOperationComplete }
func (HealthUpdate) Kind() Kind      { return KindHealthUpdate }

// Envelope is the JSON frame sent to subscribers.
type Envelope struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// batchWire is the JSON shape of a BatchUpdate; nested events keep their own
// envelopes so clients can decode them with the same switch.
type batchWire struct {
	Room      string     `json:"room"`
	Events    []Envelope `json:"events"`
	FlushedAt time.Time  `json:"flushed_at"`
}

// MarshalJSON encodes the nested events as envelopes.
func (b BatchUpdate) MarshalJSON() ([]byte, error) {
	w := batchWire{Room: b.Room, FlushedAt: b.FlushedAt, Events: make([]Envelope, 0, len(b.Events))}
	for _, e := range b.Events {
		env, err := envelope(e)
		if err != nil {
			return nil, err
		}
		w.Events = append(w.Events, env)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes nested envelopes back into typed events.
func (b *BatchUpdate) UnmarshalJSON(data []byte) error {
	var w batchWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	b.Room = w.Room
	b.FlushedAt = w.FlushedAt
	b.Events = make([]Event, 0, len(w.Events))
	for _, env := range w.Events {
		e, err := decode(env)
		if err != nil {
			return err
		}
		b.Events = append(b.Events, e)
	}
	return nil
}

// Marshal encodes e inside an Envelope.
func Marshal(e Event) ([]byte, error) {
	env, err := envelope(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Unmarshal decodes an Envelope produced by Marshal into its typed variant.
func Unmarshal(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("events: decode envelope: %w", err)
	}
	return decode(env)
}

func envelope(e Event) (Envelope, error) {
	if e == nil {
		return Envelope{}, fmt.Errorf("events: nil event")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: encode %s: %w", e.Kind(), err)
	}
	return Envelope{Event: e.Kind(), Data: data}, nil
}

func decode(env Envelope) (Event, error) {
	var (
		e   Event
		err error
	)
	switch env.Event {
	case KindTaskUpdate:
		var v TaskUpdate
		err = json.Unmarshal(env.Data, &v)
		e = v
	case KindSecurityAlert:
		var v SecurityAlert
		err = json.Unmarshal(env.Data, &v)
		e = v
	case KindFileChange:
		var v FileChange
		err = json.Unmarshal(env.Data, &v)
		e = v
	case KindFileChangeBatch:
		var v FileChangeBatch
		err = json.Unmarshal(env.Data, &v)
		e = v
	case KindBatchUpdate:
		var v BatchUpdate
		err = json.Unmarshal(env.Data, &v)
		e = v
	case KindOperationComplete:
		var v OperationComplete
		err = json.Unmarshal(env.Data, &v)
		e = v
	case KindHealthUpdate:
		var v HealthUpdate
		err = json.Unmarshal(env.Data, &v)
		e = v
	default:
		return nil, fmt.Errorf("events: unknown kind %q", env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("events: decode %s: %w", env.Event, err)
	}
	return e, nil
}
