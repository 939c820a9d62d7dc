package interfaces

import (
	"context"
	"time"

	"relay/pkg/types"
)

// MembershipStore answers thread membership questions from durable storage.
type MembershipStore interface {
	// ListThreadsForUser returns the ids of every thread the user belongs to.
	ListThreadsForUser(ctx context.Context, userID string) ([]string, error)

	// IsMember reports whether the user currently belongs to the thread.
	IsMember(ctx context.Context, threadID, userID string) (bool, error)

	// ListMembers returns the user ids of every member of the thread.
	ListMembers(ctx context.Context, threadID string) ([]string, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	// CreateMessage stores a new message and returns it with its id,
	// creation time and sender summary filled in.
	CreateMessage(ctx context.Context, threadID, senderID, content string) (*types.Message, error)

	// SetLastMessage moves the thread's last-message pointer.
	SetLastMessage(ctx context.Context, threadID, messageID string) error

	// GetMessage loads a message by id. Returns ErrNotFound if absent.
	GetMessage(ctx context.Context, messageID string) (*types.Message, error)
}

// ReadReceiptStore records read acknowledgments.
type ReadReceiptStore interface {
	// UpsertRead creates or updates the (messageID, userID) receipt.
	UpsertRead(ctx context.Context, messageID, userID string, readAt time.Time) error
}

// DeviceTokenStore exposes the push device token kept on a user profile.
type DeviceTokenStore interface {
	// DeviceToken returns the user's push token, or "" if none is registered.
	DeviceToken(ctx context.Context, userID string) (string, error)

	// ClearDeviceToken removes token from the profile if it is still the
	// stored one, so a token re-registered in the meantime survives.
	ClearDeviceToken(ctx context.Context, userID, token string) error
}

// RevocationSource supplies the per-user revocation cut-off used by the
// freshness check during token verification.
type RevocationSource interface {
	TokensValidAfter(ctx context.Context, userID string) (time.Time, error)
}

// DatabaseManager is the full storage surface the relay depends on.
type DatabaseManager interface {
	MembershipStore
	MessageStore
	ReadReceiptStore
	DeviceTokenStore
	RevocationSource

	// HealthCheck verifies database connectivity.
	HealthCheck(ctx context.Context) error

	// Close releases the database.
	Close() error
}
