// Package gateway is the broker-side websocket server that agents connect
// to: a registry of named connections behind a RWMutex, each with a
// buffered send channel drained by its own writePump goroutine so a
// *websocket.Conn never sees concurrent writes, ping/pong resetting read
// deadlines, and panic-recovering pumps.
package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskbroker/pkg/wire"
)

const (
	readDeadline  = 90 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 25 * time.Second
	sendBufSize   = 256
)

// conn is one connected agent's websocket session.
type conn struct {
	agentID string
	ws      *websocket.Conn
	send    chan wire.Frame

	connectedAt time.Time
	mu          sync.Mutex
	lastSeen    time.Time
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// Registry tracks currently-connected agents.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*conn
	order      []string // insertion order, for round-robin "auto" dispatch
	autoCursor uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*conn)}
}

// register adds c, replacing and closing out any prior connection for the
// same agent id (a reconnect supersedes the stale socket).
func (r *Registry) register(c *conn) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, existed := r.conns[c.agentID]
	r.conns[c.agentID] = c
	if !existed {
		r.order = append(r.order, c.agentID)
	}
	return old
}

func (r *Registry) unregister(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.conns[c.agentID]; ok && current == c {
		delete(r.conns, c.agentID)
		for i, id := range r.order {
			if id == c.agentID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
}

// IsOnline reports whether agentID currently has a live connection.
func (r *Registry) IsOnline(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[agentID]
	return ok
}

// snapshot returns the current connections, used by the periodic
// offline-queue drain.
func (r *Registry) snapshot() []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// ConnectedAgents lists the ids of every currently-connected agent.
func (r *Registry) ConnectedAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

// Send enqueues frame for delivery to agentID's live connection. It returns
// false if the agent is not currently connected or its send buffer is full,
// in which case the caller (Server.SendOrEnqueue) falls back to the
// offline queue.
func (r *Registry) Send(agentID string, frame wire.Frame) bool {
	r.mu.RLock()
	c, ok := r.conns[agentID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Broadcast enqueues frame for every currently-connected agent,
// best-effort: a full send buffer drops that agent's copy rather than
// blocking the caller.
func (r *Registry) Broadcast(frame wire.Frame) {
	for _, c := range r.snapshot() {
		select {
		case c.send <- frame:
		default:
		}
	}
}

// Disconnect closes agentID's connection, if any, prompting its pumps to
// exit and notify the offline transition.
func (r *Registry) Disconnect(agentID string) {
	r.mu.RLock()
	c, ok := r.conns[agentID]
	r.mu.RUnlock()
	if ok {
		_ = c.ws.Close()
	}
}

// DisconnectAll closes every live connection, used during shutdown.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}
