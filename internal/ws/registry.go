package ws

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var wsConnectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ws_active_connections",
	Help: "Number of active chat WebSocket connections.",
})

// Conn is one live WebSocket connection bound to a thread and a user. Writes
// go through a mutex: gorilla/websocket allows at most one concurrent writer.
type Conn struct {
	ThreadID string
	UserID   string

	mu   sync.Mutex
	sock *websocket.Conn
}

// NewConn wraps an upgraded socket.
func NewConn(sock *websocket.Conn, threadID, userID string) *Conn {
	return &Conn{ThreadID: threadID, UserID: userID, sock: sock}
}

// Send marshals v and writes it as one text frame. Safe for concurrent use.
func (c *Conn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteJSON(v)
}

// Close sends a close frame with the given code and reason, then closes the
// socket.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.sock.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
	_ = c.sock.Close()
}

// ReadJSON reads the next inbound frame. Only one reader per connection.
func (c *Conn) ReadJSON(v any) error {
	return c.sock.ReadJSON(v)
}

// Registry tracks live connections indexed by thread and by user, and fans
// frames out to every connection watching a thread. All methods are safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byThread map[string]map[*Conn]struct{}
	byUser   map[string]map[*Conn]struct{}
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byThread: make(map[string]map[*Conn]struct{}),
		byUser:   make(map[string]map[*Conn]struct{}),
	}
}

// Add registers a connection under its thread and user.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byThread[c.ThreadID] == nil {
		r.byThread[c.ThreadID] = make(map[*Conn]struct{})
	}
	r.byThread[c.ThreadID][c] = struct{}{}
	if r.byUser[c.UserID] == nil {
		r.byUser[c.UserID] = make(map[*Conn]struct{})
	}
	r.byUser[c.UserID][c] = struct{}{}
	wsConnectionsGauge.Inc()
}

// Remove unregisters a connection. Idempotent.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(c)
}

func (r *Registry) removeLocked(c *Conn) {
	if set, ok := r.byThread[c.ThreadID]; ok {
		if _, present := set[c]; present {
			delete(set, c)
			wsConnectionsGauge.Dec()
			if len(set) == 0 {
				delete(r.byThread, c.ThreadID)
			}
		}
	}
	if set, ok := r.byUser[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
}

// BroadcastToThread sends v to every connection watching the thread and
// returns how many deliveries succeeded. A connection whose write fails is
// closed and pruned so one dead socket cannot wedge the fan-out.
func (r *Registry) BroadcastToThread(threadID string, v any) int {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byThread[threadID]))
	for c := range r.byThread[threadID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	var dead []*Conn
	for _, c := range conns {
		if err := c.Send(v); err != nil {
			log.Debug().Err(err).
				Str("thread_id", threadID).
				Str("user_id", c.UserID).
				Msg("pruning dead websocket connection")
			dead = append(dead, c)
		}
	}
	delivered := len(conns) - len(dead)
	if len(dead) == 0 {
		return delivered
	}
	r.mu.Lock()
	for _, c := range dead {
		r.removeLocked(c)
	}
	r.mu.Unlock()
	for _, c := range dead {
		c.Close(websocket.CloseGoingAway, "write failed")
	}
	return delivered
}

// SendToUser sends v to every connection the user holds, across threads.
// Used for quota notifications that concern the whole workshop pool.
func (r *Registry) SendToUser(userID string, v any) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byUser[userID]))
	for c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		_ = c.Send(v)
	}
}

// ThreadConnCount reports how many connections watch a thread.
func (r *Registry) ThreadConnCount(threadID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byThread[threadID])
}

// CloseAll closes every connection, for server shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	var all []*Conn
	for _, set := range r.byThread {
		for c := range set {
			all = append(all, c)
		}
	}
	r.byThread = make(map[string]map[*Conn]struct{})
	r.byUser = make(map[string]map[*Conn]struct{})
	wsConnectionsGauge.Set(0)
	r.mu.Unlock()

	for _, c := range all {
		c.Close(code, reason)
	}
}
