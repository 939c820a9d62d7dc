package types

import (
	"time"
)

// Room key prefixes. A user room carries personal notices, a thread room
// mirrors the durable membership of one conversation.
const (
	UserRoomPrefix   = "user:"
	ThreadRoomPrefix = "thread:"
)

// UserRoom returns the personal room key for a user.
func UserRoom(userID string) string {
	return UserRoomPrefix + userID
}

// ThreadRoom returns the broadcast room key for a conversation thread.
func ThreadRoom(threadID string) string {
	return ThreadRoomPrefix + threadID
}

// IdentityClaim is the decoded result of verifying a bearer token.
// It is attached to a connection at admission and never mutated afterwards.
type IdentityClaim struct {
	Subject       string    `json:"sub"`
	IssuedAt      time.Time `json:"iat"`
	AuthTime      time.Time `json:"auth_time"`
	ExpiresAt     time.Time `json:"exp"`
	EmailVerified bool      `json:"email_verified"`
	Disabled      bool      `json:"disabled"`
}

// AuthAge reports how long ago the user authenticated. Claims without an
// explicit auth time fall back to the issue time.
func (c *IdentityClaim) AuthAge(now time.Time) time.Duration {
	at := c.AuthTime
	if at.IsZero() {
		at = c.IssuedAt
	}
	if at.IsZero() {
		return 0
	}
	return now.Sub(at)
}

// UserSummary is the sender information embedded in outbound messages.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Message is a durable chat message as returned by the storage layer.
type Message struct {
	ID        string       `json:"id"`
	ThreadID  string       `json:"threadId"`
	SenderID  string       `json:"senderId"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"createdAt"`
	Sender    *UserSummary `json:"sender,omitempty"`
}

// ReadReceipt records that a user has read a message. Keyed by
// (MessageID, UserID); repeated marks only move ReadAt forward.
type ReadReceipt struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

// PushNotification is the payload handed to the push provider.
type PushNotification struct {
	DeviceToken string            `json:"token"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
}

// PushResult is the provider outcome for a single device token.
type PushResult int

const (
	PushDelivered PushResult = iota
	PushInvalidToken
	PushFailed
)

func (r PushResult) String() string {
	switch r {
	case PushDelivered:
		return "delivered"
	case PushInvalidToken:
		return "invalid_token"
	default:
		return "failed"
	}
}
