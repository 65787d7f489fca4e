package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devguard/perfcore/internal/broadcast"
	"github.com/devguard/perfcore/pkg/events"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 64
)

var (
	ErrUnknownClient = errors.New("ws: no socket for connection")
	ErrSlowClient    = errors.New("ws: client send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins; CORS is applied at the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Connector admits and releases broadcaster connections on behalf of the hub.
// *broadcast.Broadcaster implements it.
type Connector interface {
	Connect(ctx context.Context, consumerID string, role broadcast.Role, client broadcast.ClientKind) (string, error)
	Disconnect(connID string) error
	Touch(connID string)
}

// Hub owns the WebSocket sockets behind broadcaster connections and delivers
// events to them. It implements broadcast.Transport.
type Hub struct {
	mu      sync.RWMutex
	conns   Connector
	clients map[string]*client
}

// client represents one connected WebSocket socket.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// New creates an empty Hub. Bind must be called before serving requests.
func New() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

// Bind attaches the connector that admits sockets into pools.
func (h *Hub) Bind(c Connector) {
	h.mu.Lock()
	h.conns = c
	h.mu.Unlock()
}

// Deliver encodes e and queues it on the socket of connID. A socket whose
// buffer is full is dropped.
func (h *Hub) Deliver(connID string, e events.Event) error {
	data, err := events.Marshal(e)
	if err != nil {
		return err
	}

	// send channels are only closed under the write lock.
	h.mu.RLock()
	c, ok := h.clients[connID]
	if !ok {
		h.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownClient, connID)
	}
	select {
	case c.send <- data:
		h.mu.RUnlock()
		return nil
	default:
	}
	conns := h.conns
	h.mu.RUnlock()

	// The socket's ServeHTTP no longer owns the slot once it is unregistered
	// here, so the release happens here too.
	if h.unregister(c) && conns != nil {
		conns.Disconnect(connID) //nolint:errcheck
	}
	return fmt.Errorf("%w: %s", ErrSlowClient, connID)
}

// Run blocks until ctx is cancelled, then closes all active sockets.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// ServeHTTP admits the consumer named by the consumer_id, role and client
// query parameters, upgrades the request to WebSocket and streams events to
// it. Blocks until the socket closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	consumer := q.Get("consumer_id")
	if consumer == "" {
		http.Error(w, "consumer_id is required", http.StatusBadRequest)
		return
	}
	role := broadcast.Role(q.Get("role"))
	if role == "" {
		role = broadcast.RoleViewer
	}
	kind := broadcast.ClientKind(q.Get("client"))
	if kind == "" {
		kind = broadcast.ClientWeb
	}

	h.mu.RLock()
	conns := h.conns
	h.mu.RUnlock()
	if conns == nil {
		http.Error(w, "hub not bound", http.StatusServiceUnavailable)
		return
	}

	connID, err := conns.Connect(r.Context(), consumer, role, kind)
	if err != nil {
		status := http.StatusServiceUnavailable
		if !errors.Is(err, broadcast.ErrPoolExhausted) {
			status = http.StatusInternalServerError
		}
		slog.Warn("ws: connect rejected", "consumer", consumer, "role", role, "err", err)
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		conns.Disconnect(connID) //nolint:errcheck
		return
	}

	c := &client{
		id:   connID,
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	h.register(c)
	defer func() {
		if h.unregister(c) {
			conns.Disconnect(connID) //nolint:errcheck
		}
	}()

	go c.writePump()
	c.readPump(func() { conns.Touch(connID) }) // blocks until connection closes
}

// Count returns the number of currently connected sockets.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// --- internal ---------------------------------------------------------------

// register installs c, replacing an older socket reusing the same
// connection id.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	old, ok := h.clients[c.id]
	h.clients[c.id] = c
	if ok {
		close(old.send)
	}
	h.mu.Unlock()
}

// unregister removes c if it is still the socket for its id and reports
// whether it did.
func (h *Hub) unregister(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		close(c.send)
		return true
	}
	return false
}

// closeAll closes every socket and releases its broadcaster connection.
func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := h.conns
	ids := make([]string, 0, len(h.clients))
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
		ids = append(ids, id)
	}
	h.mu.Unlock()

	if conns == nil {
		return
	}
	for _, id := range ids {
		conns.Disconnect(id) //nolint:errcheck
	}
}

// writePump drains the client's send channel and forwards messages to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Channel was closed (hub is shutting down or client removed).
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames to process pongs and client heartbeats, calling
// touch on each. Blocks until the connection closes.
func (c *client) readPump(touch func()) {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		touch()
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		touch()
	}
}
