package websocket

import (
	"sort"
	"sync"
)

// Registry tracks live connections and the channels each one is
// subscribed to. Both directions of the subscription index are updated in
// the same critical section.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection         // connID -> Connection
	channels    map[string]map[string]struct{} // channel -> connIDs
	memberships map[string]map[string]struct{} // connID -> channels
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		channels:    make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Register adds conn under its id.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	return nil
}

// Unregister removes conn and all its subscriptions. It only removes the
// exact instance that was registered, and is idempotent.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, ok := r.connections[conn.ID()]; !ok || registered != conn {
		return
	}
	delete(r.connections, conn.ID())
	r.unsubscribeAllLocked(conn.ID())
}

// Get returns the connection registered under connID.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[connID]
	return conn, ok
}

// All returns every registered connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	return conns
}

// Subscribe adds connID to channel. Unknown connections are ignored so a
// connection that already went away cannot leave a dangling member.
func (r *Registry) Subscribe(connID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[connID]; !ok {
		return false
	}
	if r.channels[channel] == nil {
		r.channels[channel] = make(map[string]struct{})
	}
	r.channels[channel][connID] = struct{}{}
	if r.memberships[connID] == nil {
		r.memberships[connID] = make(map[string]struct{})
	}
	r.memberships[connID][channel] = struct{}{}
	return true
}

// Members returns the connection ids subscribed to channel, sorted.
func (r *Registry) Members(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]string, 0, len(r.channels[channel]))
	for id := range r.channels[channel] {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

// UnsubscribeAll removes connID from every channel.
func (r *Registry) UnsubscribeAll(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unsubscribeAllLocked(connID)
}

func (r *Registry) unsubscribeAllLocked(connID string) {
	for channel := range r.memberships[connID] {
		delete(r.channels[channel], connID)
		if len(r.channels[channel]) == 0 {
			delete(r.channels, channel)
		}
	}
	delete(r.memberships, connID)
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.connections)
}

// GetStats returns registry statistics for the health endpoint.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"active_channels":   len(r.channels),
	}
}
