package websocket

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// Registry tracks live connections and their room subscriptions.
// It keeps both directions: room → connections for fan-out, and
// connection → rooms so disconnect knows what the connection held.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection
	rooms       map[string]map[string]interfaces.Connection
	memberships map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		rooms:       make(map[string]map[string]interfaces.Connection),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Add registers an admitted connection.
func (r *Registry) Add(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if conn.UserID() == "" {
		return ErrConnectionNotAuthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[conn.ID()] = conn
	if r.memberships[conn.ID()] == nil {
		r.memberships[conn.ID()] = make(map[string]struct{})
	}
	return nil
}

// Join subscribes a registered connection to room.
func (r *Registry) Join(conn interfaces.Connection, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if _, ok := r.connections[id]; !ok {
		return
	}

	members := r.rooms[room]
	if members == nil {
		members = make(map[string]interfaces.Connection)
		r.rooms[room] = members
	}
	members[id] = conn
	r.memberships[id][room] = struct{}{}
}

func (r *Registry) leaveLocked(connID, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if held, ok := r.memberships[connID]; ok {
		delete(held, room)
	}
}

// Remove drops conn from every room and returns the rooms it held. Only the
// exact registered instance is removed; a stale instance with a reused id
// is ignored.
func (r *Registry) Remove(conn interfaces.Connection) []string {
	if conn == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	registered, ok := r.connections[id]
	if !ok || registered != conn {
		return nil
	}

	held := make([]string, 0, len(r.memberships[id]))
	for room := range r.memberships[id] {
		held = append(held, room)
	}
	for _, room := range held {
		r.leaveLocked(id, room)
	}

	delete(r.memberships, id)
	delete(r.connections, id)

	return held
}

// Broadcast sends event to room, skipping exceptConnID.
func (r *Registry) Broadcast(room string, event types.OutboundEvent, exceptConnID string) int {
	r.mu.RLock()
	targets := make([]interfaces.Connection, 0, len(r.rooms[room]))
	for id, conn := range r.rooms[room] {
		if id == exceptConnID {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if err := conn.Send(event); err != nil {
			zap.S().Warnw("failed to deliver event",
				"event", event.Event,
				"room", room,
				"connection_id", conn.ID(),
				"error", err,
			)
			continue
		}
		sent++
	}
	return sent
}

func (r *Registry) IsSubscribed(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[room][connID]
	return ok
}

// CloseAll closes every registered connection.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// GetStats returns registry statistics for monitoring and debugging.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	threadRooms := 0
	for room := range r.rooms {
		if strings.HasPrefix(room, types.ThreadRoomPrefix) {
			threadRooms++
		}
	}

	return map[string]int{
		"total_connections": len(r.connections),
		"active_rooms":      len(r.rooms),
		"thread_rooms":      threadRooms,
	}
}
