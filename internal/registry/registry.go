// Package registry holds the two shared tables — connections and rooms —
// that every inbound message touches, each behind its own reader/writer
// lock. Lock ordering across the two tables is always rooms-then-connections
// to stay deadlock-free; see internal/dispatcher for the call sites that
// acquire both.
package registry

import (
	"sync"

	"github.com/mhbxyz/OpenWatchParty/internal/room"
)

// OutboundQueueCapacity bounds each connection's outbound message queue.
const OutboundQueueCapacity = 100

// Connection is a live WebSocket peer. Its identity and room-membership
// fields are mutated from multiple goroutines (the reader, the sweeper, the
// dispatcher) and are therefore guarded by mu.
type Connection struct {
	ID  string
	Out chan []byte

	mu            sync.RWMutex
	roomID        string
	userID        string
	userName      string
	authenticated bool
	lastSeen      uint64

	closeOnce sync.Once
	closed    bool
}

// NewConnection allocates a Connection with a fresh bounded outbound queue.
// preAuthenticated marks the connection as already authenticated, the
// anonymous-mode short-circuit applied at upgrade time.
func NewConnection(id string, preAuthenticated bool, now uint64) *Connection {
	return &Connection{
		ID:            id,
		Out:           make(chan []byte, OutboundQueueCapacity),
		authenticated: preAuthenticated,
		lastSeen:      now,
	}
}

// Enqueue performs a non-blocking send. It reports false if the queue is
// full or already closed; callers count the drop in
// metrics.OutboundDropsTotal and move on rather than blocking or tearing
// down the connection. The drop is not logged.
func (c *Connection) Enqueue(data []byte) bool {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return false
	}
	select {
	case c.Out <- data:
		return true
	default:
		return false
	}
}

// Close closes the outbound queue exactly once, waking the writer pump.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.Out)
	})
}

// RoomID returns the room this connection currently participates in, or ""
// if none.
func (c *Connection) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

// SetRoomID updates room membership; "" clears it.
func (c *Connection) SetRoomID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = id
}

// Identity returns the connection's user id, display name, and whether it
// has authenticated.
func (c *Connection) Identity() (userID, userName string, authenticated bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.userName, c.authenticated
}

// SetIdentity overwrites the connection's identity, e.g. after a successful
// auth message or self-declared anonymous identification.
func (c *Connection) SetIdentity(userID, userName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.userName = userName
}

// MarkAuthenticated sets the authenticated flag.
func (c *Connection) MarkAuthenticated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
}

// Touch records now as the last time a message was seen from this
// connection. The sweeper uses it to reclaim zombies; rate limiting itself
// is the sole responsibility of internal/ratelimit.Limiter, so this does
// not also count messages.
func (c *Connection) Touch(now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = now
}

// LastSeen returns the last-touch timestamp, used by the liveness sweeper.
func (c *Connection) LastSeen() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// ConnTable is the connection-id-keyed table (C6).
type ConnTable struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnTable constructs an empty connection table.
func NewConnTable() *ConnTable {
	return &ConnTable{conns: make(map[string]*Connection)}
}

// Add registers a new connection.
func (t *ConnTable) Add(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[c.ID] = c
}

// Remove deletes a connection by id.
func (t *ConnTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

// Get looks up a connection by id.
func (t *ConnTable) Get(id string) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[id]
	return c, ok
}

// Snapshot returns a point-in-time copy of every connection handle. Callers
// must not hold the table lock while iterating the result, matching the
// "no I/O under a write lock" discipline.
func (t *ConnTable) Snapshot() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

// Len reports the number of registered connections.
func (t *ConnTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// RoomTable is the room-id-keyed table (C6). Its single lock also guards
// every mutable field on the rooms it stores — members, ready set, pending
// play, and authoritative state — per spec.md §4.4's "same reader/writer
// discipline" requirement. This keeps the lock count at exactly two
// (rooms, connections) and preserves the documented rooms-then-connections
// acquisition order.
type RoomTable struct {
	mu    sync.RWMutex
	rooms map[string]*room.Room
}

// NewRoomTable constructs an empty room table.
func NewRoomTable() *RoomTable {
	return &RoomTable{rooms: make(map[string]*room.Room)}
}

// Lock acquires the table's write lock for a room-mutating action.
func (t *RoomTable) Lock() { t.mu.Lock() }

// Unlock releases the table's write lock.
func (t *RoomTable) Unlock() { t.mu.Unlock() }

// RLock acquires the table's read lock for a read-only action.
func (t *RoomTable) RLock() { t.mu.RLock() }

// RUnlock releases the table's read lock.
func (t *RoomTable) RUnlock() { t.mu.RUnlock() }

// Add registers a new room. Callers must hold the write lock.
func (t *RoomTable) Add(r *room.Room) {
	t.rooms[r.ID] = r
}

// Remove deletes a room by id. Callers must hold the write lock.
func (t *RoomTable) Remove(id string) {
	delete(t.rooms, id)
}

// Get looks up a room by id. Callers must hold at least the read lock.
func (t *RoomTable) Get(id string) (*room.Room, bool) {
	r, ok := t.rooms[id]
	return r, ok
}

// FindByHost returns the room hosted by the given connection id, if any.
// Callers must hold at least the read lock.
func (t *RoomTable) FindByHost(hostID string) (*room.Room, bool) {
	for _, r := range t.rooms {
		if r.HostID == hostID {
			return r, true
		}
	}
	return nil, false
}

// Snapshot returns a point-in-time copy of every room handle. Callers must
// hold at least the read lock at the moment Snapshot is called, but may
// release it before using the result.
func (t *RoomTable) Snapshot() []*room.Room {
	out := make([]*room.Room, 0, len(t.rooms))
	for _, r := range t.rooms {
		out = append(out, r)
	}
	return out
}

// Len reports the number of active rooms. Callers must hold at least the
// read lock.
func (t *RoomTable) Len() int {
	return len(t.rooms)
}
