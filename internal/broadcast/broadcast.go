package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devguard/perfcore/internal/metrics"
	"github.com/devguard/perfcore/pkg/events"
)

// Default values used when Options leaves a field zero.
const (
	DefaultMaxConnectionsPerPool = 100
	DefaultMaxRoomsPerConnection = 50
	DefaultBatchDelay            = 50 * time.Millisecond
	DefaultConnectionTimeout     = 5 * time.Minute
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultAcquireRetries        = 10
	DefaultAcquireBackoff        = 100 * time.Millisecond
)

var (
	ErrPoolExhausted     = errors.New("broadcast: connection pool exhausted")
	ErrUnknownConnection = errors.New("broadcast: unknown connection")
	ErrTooManyRooms      = errors.New("broadcast: room limit reached")
	ErrInvalidOptions    = errors.New("broadcast: invalid options")
	ErrStopped           = errors.New("broadcast: broadcaster stopped")
)

// Role is the consumer role that selects a connection pool.
type Role string

const (
	RoleAdmin         Role = "admin"
	RoleLeadDeveloper Role = "lead_developer"
	RoleDeveloper     Role = "developer"
	RoleViewer        Role = "viewer"
	RoleDefault       Role = "default"
)

// KnownRoles lists the roles that own a dedicated pool.
var KnownRoles = []Role{RoleAdmin, RoleLeadDeveloper, RoleDeveloper, RoleViewer, RoleDefault}

// ClientKind describes the consumer's client application.
type ClientKind string

const (
	ClientWeb     ClientKind = "web"
	ClientDesktop ClientKind = "desktop"
	ClientMobile  ClientKind = "mobile"
	ClientCLI     ClientKind = "cli"
)

// DefaultRoleRooms returns the topic rooms each role joins on connect, in
// addition to "user:<id>" and "role:<role>".
func DefaultRoleRooms() map[Role][]string {
	return map[Role][]string{
		RoleAdmin:         {"admin_alerts", "security_alerts", "system_status"},
		RoleLeadDeveloper: {"team_updates", "security_alerts", "deployments"},
		RoleDeveloper:     {"task_updates", "code_changes"},
		RoleViewer:        {"announcements"},
	}
}

// Transport delivers an event to one connection.
type Transport interface {
	Deliver(connID string, e events.Event) error
}

// Options configures a Broadcaster.
type Options struct {
	// MaxConnectionsPerPool is the capacity of every pool without an entry in
	// PoolCapacities.
	MaxConnectionsPerPool int
	PoolCapacities        map[Role]int

	MaxRoomsPerConnection int

	// BatchDelay is how long batched events accumulate per room before they
	// are flushed as one BatchUpdate.
	BatchDelay time.Duration

	// ConnectionTimeout is the idle time after which SweepIdle disconnects a
	// connection. HeartbeatInterval is how often Run sweeps.
	ConnectionTimeout time.Duration
	HeartbeatInterval time.Duration

	// AcquireRetries and AcquireBackoff bound the wait for a slot in a full
	// pool. Zero retries fail immediately.
	AcquireRetries int
	AcquireBackoff time.Duration

	RoleRooms map[Role][]string
}

func (o Options) withDefaults() Options {
	if o.MaxConnectionsPerPool == 0 {
		o.MaxConnectionsPerPool = DefaultMaxConnectionsPerPool
	}
	if o.MaxRoomsPerConnection == 0 {
		o.MaxRoomsPerConnection = DefaultMaxRoomsPerConnection
	}
	if o.BatchDelay == 0 {
		o.BatchDelay = DefaultBatchDelay
	}
	if o.ConnectionTimeout == 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.AcquireBackoff == 0 {
		o.AcquireBackoff = DefaultAcquireBackoff
	}
	if o.RoleRooms == nil {
		o.RoleRooms = DefaultRoleRooms()
	}
	return o
}

func (o Options) validate() error {
	if o.MaxConnectionsPerPool < 0 {
		return fmt.Errorf("%w: max connections per pool must be positive", ErrInvalidOptions)
	}
	for role, n := range o.PoolCapacities {
		if n <= 0 {
			return fmt.Errorf("%w: pool %q capacity must be positive", ErrInvalidOptions, role)
		}
	}
	if o.MaxRoomsPerConnection < 0 {
		return fmt.Errorf("%w: max rooms per connection must be positive", ErrInvalidOptions)
	}
	if o.BatchDelay < 0 || o.ConnectionTimeout < 0 || o.HeartbeatInterval < 0 || o.AcquireBackoff < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidOptions)
	}
	if o.AcquireRetries < 0 {
		return fmt.Errorf("%w: acquire retries must not be negative", ErrInvalidOptions)
	}
	return nil
}

// ConnectionInfo is a read-only view of one connection.
type ConnectionInfo struct {
	ID            string     `json:"id"`
	ConsumerID    string     `json:"consumer_id"`
	Role          Role       `json:"role"`
	Pool          Role       `json:"pool"`
	Client        ClientKind `json:"client"`
	CreatedAt     time.Time  `json:"created_at"`
	LastActivity  time.Time  `json:"last_activity"`
	Rooms         []string   `json:"rooms"`
	Authenticated bool       `json:"authenticated"`
}

// PoolStats describes the occupancy of one pool.
type PoolStats struct {
	Role        Role    `json:"role"`
	Active      int     `json:"active"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
}

// RoomInfo lists the members of one room.
type RoomInfo struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// Stats is a point-in-time view of broadcaster state and counters.
type Stats struct {
	Connections     int         `json:"connections"`
	Rooms           int         `json:"rooms"`
	PendingBatches  int         `json:"pending_batches"`
	Pools           []PoolStats `json:"pools"`
	PoolUtilization float64     `json:"pool_utilization"`
	Broadcasts      uint64      `json:"broadcasts"`
	Deliveries      uint64      `json:"deliveries"`
	DeliveryErrors  uint64      `json:"delivery_errors"`
	BatchesFlushed  uint64      `json:"batches_flushed"`
	IdleDisconnects uint64      `json:"idle_disconnects"`
}

// ErrorRate returns the fraction of per-connection deliveries that failed.
// A broadcast reaching N connections counts as N deliveries.
func (s Stats) ErrorRate() float64 {
	if s.Deliveries == 0 {
		return 0
	}
	return float64(s.DeliveryErrors) / float64(s.Deliveries)
}

type conn struct {
	info  ConnectionInfo
	rooms map[string]struct{}
}

type pool struct {
	role     Role
	capacity int
	members  map[string]struct{}
}

type batch struct {
	events []events.Event
	timer  *time.Timer
}

type counters struct {
	broadcasts, deliveries, deliveryErrors, batchesFlushed, idleDisconnects uint64
}

// Broadcaster fans events out to rooms of pooled connections.
//
// Broadcaster is safe for concurrent use.
type Broadcaster struct {
	opts      Options
	transport Transport

	mu      sync.Mutex
	pools   map[Role]*pool
	conns   map[string]*conn
	rooms   map[string]map[string]struct{}
	batches map[string]*batch
	stopped bool
	count   counters

	now   func() time.Time // injectable for deterministic tests
	newID func() string
}

// New creates a Broadcaster that delivers through t.
func New(opts Options, t Transport) (*Broadcaster, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidOptions)
	}

	b := &Broadcaster{
		opts:      opts,
		transport: t,
		pools:     make(map[Role]*pool, len(KnownRoles)),
		conns:     make(map[string]*conn),
		rooms:     make(map[string]map[string]struct{}),
		batches:   make(map[string]*batch),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, role := range KnownRoles {
		capacity := opts.MaxConnectionsPerPool
		if n, ok := opts.PoolCapacities[role]; ok {
			capacity = n
		}
		b.pools[role] = &pool{role: role, capacity: capacity, members: make(map[string]struct{})}
	}
	return b, nil
}

// PoolFor returns the pool that serves role. Unknown roles share the default pool.
func (b *Broadcaster) PoolFor(role Role) Role {
	if _, ok := b.pools[role]; ok {
		return role
	}
	return RoleDefault
}

// Connect admits a consumer into its role's pool and returns the connection
// id. When the pool is full an existing connection of the same consumer and
// role is reused; otherwise Connect retries AcquireRetries times before
// failing with ErrPoolExhausted.
func (b *Broadcaster) Connect(ctx context.Context, consumerID string, role Role, client ClientKind) (string, error) {
	if consumerID == "" {
		return "", fmt.Errorf("broadcast: consumer id must not be empty")
	}
	poolRole := b.PoolFor(role)

	for attempt := 0; ; attempt++ {
		id, err := b.tryConnect(consumerID, role, poolRole, client)
		if !errors.Is(err, ErrPoolExhausted) {
			return id, err
		}
		if attempt >= b.opts.AcquireRetries {
			slog.Warn("broadcast: pool exhausted",
				"pool", poolRole, "consumer", consumerID, "attempts", attempt+1)
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(b.opts.AcquireBackoff):
		}
	}
}

// Disconnect removes a connection from its pool and every room it joined.
func (b *Broadcaster) Disconnect(connID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[connID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	b.removeLocked(connID)
	return nil
}

// Join adds a connection to room. Joining a room twice is a no-op.
func (b *Broadcaster) Join(connID, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	return b.joinLocked(c, room)
}

// Leave removes a connection from room. Rooms left without members are
// deleted. Leaving a room the connection is not in is a no-op.
func (b *Broadcaster) Leave(connID, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	b.leaveLocked(c, room)
	return nil
}

// Touch records activity on a connection, postponing its idle timeout.
func (b *Broadcaster) Touch(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.conns[connID]; ok {
		c.info.LastActivity = b.now()
	}
}

// Broadcast sends e to every member of rooms. Unbatched events go out at once
// to the members present now, each connection receiving e once. Batched
// events queue per room and are flushed as one BatchUpdate after BatchDelay
// to the members present at flush time. Delivery failures are counted and
// logged, never returned.
func (b *Broadcaster) Broadcast(rooms []string, e events.Event, batched bool) {
	if e == nil || len(rooms) == 0 {
		return
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		slog.Debug("broadcast: dropped event after stop", "event", e.Kind())
		return
	}
	b.count.broadcasts++

	if batched {
		for _, room := range rooms {
			b.enqueueLocked(room, e)
		}
		b.mu.Unlock()
		return
	}

	seen := make(map[string]struct{})
	var targets []string
	for _, room := range rooms {
		for id := range b.rooms[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, id)
		}
	}
	b.mu.Unlock()

	b.deliver(targets, e)
}

// SweepIdle disconnects every connection idle for longer than
// ConnectionTimeout and returns how many were removed.
func (b *Broadcaster) SweepIdle(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := now.Add(-b.opts.ConnectionTimeout)
	removed := 0
	for id, c := range b.conns {
		if c.info.LastActivity.Before(cutoff) {
			b.removeLocked(id)
			removed++
		}
	}
	b.count.idleDisconnects += uint64(removed)
	return removed
}

// Run sweeps idle connections every HeartbeatInterval. It blocks until ctx
// is cancelled, then calls Stop.
func (b *Broadcaster) Run(ctx context.Context) {
	t := time.NewTicker(b.opts.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Stop()
			return
		case <-t.C:
			if n := b.SweepIdle(b.now()); n > 0 {
				slog.Info("broadcast: disconnected idle connections", "count", n)
			}
		}
	}
}

// Stop cancels every pending batch timer and flushes the queued events
// immediately. Broadcasts after Stop are dropped.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	rooms := make([]string, 0, len(b.batches))
	for room, bt := range b.batches {
		bt.timer.Stop()
		rooms = append(rooms, room)
	}
	b.mu.Unlock()

	sort.Strings(rooms)
	for _, room := range rooms {
		b.flush(room)
	}
}

// Connection returns a view of one connection.
func (b *Broadcaster) Connection(connID string) (ConnectionInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[connID]
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.snapshot(), true
}

// Members returns the sorted connection ids in room.
func (b *Broadcaster) Members(room string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.rooms[room])
}

// Rooms returns every non-empty room with its members, sorted by name.
func (b *Broadcaster) Rooms() []RoomInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RoomInfo, 0, len(b.rooms))
	for name, members := range b.rooms {
		out = append(out, RoomInfo{Name: name, Members: sortedKeys(members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns the current state and counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Connections:     len(b.conns),
		Rooms:           len(b.rooms),
		PendingBatches:  len(b.batches),
		Broadcasts:      b.count.broadcasts,
		Deliveries:      b.count.deliveries,
		DeliveryErrors:  b.count.deliveryErrors,
		BatchesFlushed:  b.count.batchesFlushed,
		IdleDisconnects: b.count.idleDisconnects,
	}
	for _, role := range KnownRoles {
		p := b.pools[role]
		ps := PoolStats{Role: role, Active: len(p.members), Capacity: p.capacity}
		if p.capacity > 0 {
			ps.Utilization = float64(ps.Active) / float64(p.capacity)
		}
		if ps.Utilization > s.PoolUtilization {
			s.PoolUtilization = ps.Utilization
		}
		s.Pools = append(s.Pools, ps)
	}
	return s
}

// --- internal ---------------------------------------------------------------

func (b *Broadcaster) tryConnect(consumerID string, role, poolRole Role, client ClientKind) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return "", ErrStopped
	}

	p := b.pools[poolRole]
	if len(p.members) >= p.capacity {
		for id := range p.members {
			c := b.conns[id]
			if c.info.ConsumerID == consumerID && c.info.Role == role {
				c.info.LastActivity = b.now()
				slog.Debug("broadcast: reusing connection at capacity",
					"conn", id, "consumer", consumerID, "pool", poolRole)
				return id, nil
			}
		}
		return "", fmt.Errorf("%w: pool %q at capacity %d", ErrPoolExhausted, poolRole, p.capacity)
	}

	now := b.now()
	c := &conn{
		info: ConnectionInfo{
			ID:            b.newID(),
			ConsumerID:    consumerID,
			Role:          role,
			Pool:          poolRole,
			Client:        client,
			CreatedAt:     now,
			LastActivity:  now,
			Authenticated: true,
		},
		rooms: make(map[string]struct{}),
	}
	b.conns[c.info.ID] = c
	p.members[c.info.ID] = struct{}{}
	metrics.BroadcastConnections.WithLabelValues(string(poolRole)).Set(float64(len(p.members)))

	auto := []string{"user:" + consumerID, "role:" + string(role)}
	auto = append(auto, b.opts.RoleRooms[role]...)
	for _, room := range auto {
		if err := b.joinLocked(c, room); err != nil {
			slog.Warn("broadcast: auto-join skipped", "conn", c.info.ID, "room", room, "err", err)
		}
	}

	slog.Debug("broadcast: connected",
		"conn", c.info.ID, "consumer", consumerID, "role", role, "client", client)
	return c.info.ID, nil
}

func (b *Broadcaster) joinLocked(c *conn, room string) error {
	if _, ok := c.rooms[room]; ok {
		return nil
	}
	if len(c.rooms) >= b.opts.MaxRoomsPerConnection {
		return fmt.Errorf("%w: %d rooms", ErrTooManyRooms, b.opts.MaxRoomsPerConnection)
	}
	c.rooms[room] = struct{}{}
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		b.rooms[room] = members
	}
	members[c.info.ID] = struct{}{}
	return nil
}

func (b *Broadcaster) leaveLocked(c *conn, room string) {
	if _, ok := c.rooms[room]; !ok {
		return
	}
	delete(c.rooms, room)
	members := b.rooms[room]
	delete(members, c.info.ID)
	if len(members) == 0 {
		delete(b.rooms, room)
	}
}

func (b *Broadcaster) removeLocked(connID string) {
	c := b.conns[connID]
	for room := range c.rooms {
		b.leaveLocked(c, room)
	}
	p := b.pools[c.info.Pool]
	delete(p.members, connID)
	delete(b.conns, connID)
	metrics.BroadcastConnections.WithLabelValues(string(p.role)).Set(float64(len(p.members)))
	slog.Debug("broadcast: disconnected", "conn", connID, "consumer", c.info.ConsumerID)
}

func (b *Broadcaster) enqueueLocked(room string, e events.Event) {
	bt, ok := b.batches[room]
	if !ok {
		bt = &batch{}
		b.batches[room] = bt
		bt.timer = time.AfterFunc(b.opts.BatchDelay, func() { b.flush(room) })
	}
	bt.events = append(bt.events, e)
}

func (b *Broadcaster) flush(room string) {
	b.mu.Lock()
	bt, ok := b.batches[room]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.batches, room)
	targets := sortedKeys(b.rooms[room])
	b.count.batchesFlushed++
	now := b.now()
	b.mu.Unlock()

	metrics.BroadcastBatches.Inc()
	b.deliver(targets, events.BatchUpdate{Room: room, Events: bt.events, FlushedAt: now})
}

func (b *Broadcaster) deliver(targets []string, e events.Event) {
	var failed uint64
	for _, id := range targets {
		if err := b.transport.Deliver(id, e); err != nil {
			failed++
			metrics.BroadcastDeliveries.WithLabelValues("failed").Inc()
			slog.Warn("broadcast: delivery failed", "conn", id, "event", e.Kind(), "err", err)
			continue
		}
		metrics.BroadcastDeliveries.WithLabelValues("success").Inc()
	}
	if len(targets) == 0 {
		return
	}
	b.mu.Lock()
	b.count.deliveries += uint64(len(targets))
	b.count.deliveryErrors += failed
	b.mu.Unlock()
}

func (c *conn) snapshot() ConnectionInfo {
	info := c.info
	info.Rooms = sortedKeys(c.rooms)
	return info
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
