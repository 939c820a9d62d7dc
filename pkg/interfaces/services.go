package interfaces

import (
	"context"

	"relay/pkg/types"
)

// IdentityVerifier turns a bearer token into an identity claim.
type IdentityVerifier interface {
	// Ready reports whether the verifier is initialised and can be called.
	Ready() bool

	// Verify decodes and checks token. When checkRevoked is set the verifier
	// also confirms the token has not been revoked since issue.
	Verify(ctx context.Context, token string, checkRevoked bool) (*types.IdentityClaim, error)
}

// PresenceStore tracks which users hold a counted online session.
// At most one entry exists per user; a later SetOnline overwrites it.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID, connectionID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	Clear(ctx context.Context, userID string) error

	// ClearIfCurrent removes the entry only when it still points at
	// connectionID, and reports whether it did.
	ClearIfCurrent(ctx context.Context, userID, connectionID string) (bool, error)

	// Count returns the number of online users.
	Count(ctx context.Context) (int, error)
}

// PushSender delivers one notification to one device token.
type PushSender interface {
	Send(ctx context.Context, n types.PushNotification) (types.PushResult, error)
}

// PushJob describes a notification owed to an offline thread member.
type PushJob struct {
	RecipientID string
	Title       string
	Body        string
	Data        map[string]string
}

// PushDispatcher accepts push jobs for asynchronous delivery.
type PushDispatcher interface {
	Enqueue(job PushJob) error
}

// RoomRegistry fans events out to connections grouped by room key.
type RoomRegistry interface {
	// Join subscribes conn to room. Joining twice is a no-op.
	Join(conn Connection, room string)

	// Broadcast sends event to every connection in room except the one
	// whose id equals exceptConnID, and returns the number of recipients.
	Broadcast(room string, event types.OutboundEvent, exceptConnID string) int

	// IsSubscribed reports whether the connection is in room.
	IsSubscribed(connID, room string) bool
}
