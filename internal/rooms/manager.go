package rooms

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"relay/internal/metrics"
	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// Manager subscribes admitted connections to their rooms and keeps the
// presence store in step with connects and disconnects.
type Manager struct {
	store    interfaces.MembershipStore
	registry interfaces.RoomRegistry
	presence interfaces.PresenceStore
	metrics  *metrics.Metrics
}

func NewManager(store interfaces.MembershipStore, registry interfaces.RoomRegistry, presence interfaces.PresenceStore, m *metrics.Metrics) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		presence: presence,
		metrics:  m,
	}
}

// Admit joins conn to its user room and every thread room of its user,
// marks the user online and announces it to the joined threads. It returns
// the joined thread ids. A failed membership lookup leaves the connection
// with only its user room.
func (m *Manager) Admit(ctx context.Context, conn interfaces.Connection) []string {
	userID := conn.UserID()

	m.registry.Join(conn, types.UserRoom(userID))

	threads, err := m.store.ListThreadsForUser(ctx, userID)
	if err != nil {
		zap.S().Errorw("failed to list threads for admitted user",
			"user_id", userID,
			"connection_id", conn.ID(),
			"error", err,
		)
		threads = nil
	}

	for _, threadID := range threads {
		m.registry.Join(conn, types.ThreadRoom(threadID))
	}

	if err := m.presence.SetOnline(ctx, userID, conn.ID()); err != nil {
		zap.S().Errorw("failed to mark user online",
			"user_id", userID,
			"error", err,
		)
	}
	m.refreshOnlineCount(ctx)

	for _, threadID := range threads {
		m.registry.Broadcast(types.ThreadRoom(threadID), types.OutboundEvent{
			Event: types.EventUserOnline,
			Data:  types.PresencePayload{UserID: userID, ThreadID: threadID},
		}, conn.ID())
	}

	return threads
}

// Disconnect clears presence for a closed connection. held are the rooms
// the connection was subscribed to. Peers in its thread rooms are told the
// user went offline, but only if this connection still owned the presence
// entry. Reports whether the entry was cleared.
func (m *Manager) Disconnect(ctx context.Context, conn interfaces.Connection, held []string) bool {
	userID := conn.UserID()
	if userID == "" {
		return false
	}

	cleared, err := m.presence.ClearIfCurrent(ctx, userID, conn.ID())
	if err != nil {
		zap.S().Errorw("failed to clear presence",
			"user_id", userID,
			"connection_id", conn.ID(),
			"error", err,
		)
		return false
	}
	m.refreshOnlineCount(ctx)

	if !cleared {
		return false
	}

	for _, room := range held {
		threadID, ok := strings.CutPrefix(room, types.ThreadRoomPrefix)
		if !ok {
			continue
		}
		m.registry.Broadcast(room, types.OutboundEvent{
			Event: types.EventUserOffline,
			Data:  types.PresencePayload{UserID: userID, ThreadID: threadID},
		}, conn.ID())
	}

	return true
}

func (m *Manager) refreshOnlineCount(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	n, err := m.presence.Count(ctx)
	if err != nil {
		return
	}
	m.metrics.SetOnlineUsers(n)
}
