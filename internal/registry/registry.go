// Package registry tracks attached clients and fans out server messages
// to them through a bounded, non-blocking per-client queue (§4.E, §5): a
// slow client never stalls the daemon's broadcast path, it instead falls
// behind, gets marked Reconnecting, and is dropped after a grace period
// if it never catches up.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueSize bounds how many outbound messages are buffered for a
// client before sends start dropping.
const DefaultQueueSize = 256

// DefaultReconnectGrace is how long a client may sit in Reconnecting
// before the registry drops it outright.
const DefaultReconnectGrace = 30 * time.Second

// DefaultHeartbeatTimeout is the floor for how long a client may go
// without pinging before being marked Disconnected (two missed
// round-trips at a 1s interval).
const DefaultHeartbeatTimeout = 2 * time.Second

// Status is a client's attachment state.
type Status int

const (
	// StatusActive means the client's outbound queue is keeping up.
	StatusActive Status = iota
	// StatusReconnecting means a send was dropped (queue full) and the
	// client has a grace period to resume consuming before eviction.
	StatusReconnecting
	// StatusDisconnected means the client has missed two heartbeat
	// round-trips (§4, 2s floor) and is presumed gone, distinct from the
	// queue-backpressure Reconnecting state.
	StatusDisconnected
)

// Client is one attached connection's outbound state.
type Client struct {
	ID uuid.UUID

	mu             sync.Mutex
	status         Status
	lastSeqAcked   uint64
	reconnectSince time.Time
	lastPingAt     time.Time
	queue          chan []byte
	sessionID      uuid.UUID
}

// SetSession records which session this client is currently attached to,
// so Registry.BroadcastToSession can address it. uuid.Nil means
// unattached (post-Connect, pre-AttachSession, or after Detach).
func (c *Client) SetSession(sessionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// Session returns the session this client is currently attached to.
func (c *Client) Session() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func newClient(id uuid.UUID, queueSize int) *Client {
	return &Client{
		ID:         id,
		status:     StatusActive,
		queue:      make(chan []byte, queueSize),
		lastPingAt: time.Now(),
	}
}

// RecordPing marks that a ClientPing was just received, resetting the
// heartbeat-timeout clock. A client that had been marked Disconnected
// returns to Active on its next ping.
func (c *Client) RecordPing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPingAt = time.Now()
	if c.status == StatusDisconnected {
		c.status = StatusActive
	}
}

// Send attempts a non-blocking delivery of an encoded message. If the
// client's queue is full, the message is dropped and the client is
// marked Reconnecting instead of blocking the caller.
func (c *Client) Send(payload []byte) {
	select {
	case c.queue <- payload:
		c.mu.Lock()
		c.status = StatusActive
		c.mu.Unlock()
	default:
		c.mu.Lock()
		if c.status == StatusActive {
			c.status = StatusReconnecting
			c.reconnectSince = time.Now()
		}
		c.mu.Unlock()
	}
}

// Outbound exposes the client's queue for its connection-writer
// goroutine to drain.
func (c *Client) Outbound() <-chan []byte {
	return c.queue
}

// Status reports the client's current attachment status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetLastSeqAcked records the highest sequence number this client has
// confirmed receiving, used to compute a replay-from point on reconnect.
func (c *Client) SetLastSeqAcked(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeqAcked = seq
}

// LastSeqAcked returns the last acknowledged sequence number.
func (c *Client) LastSeqAcked() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeqAcked
}

// expired reports whether a Reconnecting client has exceeded grace.
func (c *Client) expired(grace time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusReconnecting && now.Sub(c.reconnectSince) > grace
}

// heartbeatExpired marks the client Disconnected if it hasn't pinged
// within timeout, reporting whether it just made that transition.
func (c *Client) heartbeatExpired(timeout time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusDisconnected {
		return false
	}
	if now.Sub(c.lastPingAt) <= timeout {
		return false
	}
	c.status = StatusDisconnected
	return true
}

// Registry tracks all attached clients.
type Registry struct {
	mu               sync.RWMutex
	clients          map[uuid.UUID]*Client
	queueSize        int
	grace            time.Duration
	heartbeatTimeout time.Duration
}

// New creates an empty Registry.
func New(queueSize int, grace time.Duration) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if grace <= 0 {
		grace = DefaultReconnectGrace
	}
	return &Registry{
		clients:          make(map[uuid.UUID]*Client),
		queueSize:        queueSize,
		grace:            grace,
		heartbeatTimeout: DefaultHeartbeatTimeout,
	}
}

// SetHeartbeatTimeout overrides the heartbeat timeout used by
// SweepHeartbeats, enforcing the 2s floor.
func (r *Registry) SetHeartbeatTimeout(timeout time.Duration) {
	if timeout < DefaultHeartbeatTimeout {
		timeout = DefaultHeartbeatTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeatTimeout = timeout
}

// Register adds a new client and returns its outbound handle.
func (r *Registry) Register(id uuid.UUID) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := newClient(id, r.queueSize)
	r.clients[id] = c
	return c
}

// Unregister removes a client (on connection close).
func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// Get returns a registered client, if any.
func (r *Registry) Get(id uuid.UUID) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Broadcast delivers payload to every registered client's queue,
// non-blocking per client.
func (r *Registry) Broadcast(payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		c.Send(payload)
	}
}

// BroadcastToSession delivers payload only to clients currently attached
// to sessionID (§4.E multi-client dispatch: only clients attached to the
// affected session observe its events).
func (r *Registry) BroadcastToSession(sessionID uuid.UUID, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if c.Session() == sessionID {
			c.Send(payload)
		}
	}
}

// BroadcastToSessionExcept is BroadcastToSession but skips exceptID, for
// the common case where the initiating client already received a direct
// reply and shouldn't also get the fan-out copy of its own action.
func (r *Registry) BroadcastToSessionExcept(sessionID, exceptID uuid.UUID, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.clients {
		if id == exceptID {
			continue
		}
		if c.Session() == sessionID {
			c.Send(payload)
		}
	}
}

// Count reports the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// SweepExpired evicts clients that have been Reconnecting longer than
// the grace period, returning their ids.
func (r *Registry) SweepExpired() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var evicted []uuid.UUID
	for id, c := range r.clients {
		if c.expired(r.grace, now) {
			delete(r.clients, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// SweepHeartbeats marks clients Disconnected if they haven't pinged
// within the registry's heartbeat timeout, returning their ids.
func (r *Registry) SweepHeartbeats() []uuid.UUID {
	r.mu.RLock()
	timeout := r.heartbeatTimeout
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	now := time.Now()
	var disconnected []uuid.UUID
	for _, c := range clients {
		if c.heartbeatExpired(timeout, now) {
			disconnected = append(disconnected, c.ID)
		}
	}
	return disconnected
}
