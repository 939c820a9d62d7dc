package types

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Inbound event names.
const (
	EventSendMessage = "send_message"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventMarkRead    = "mark_read"
)

// Outbound event names.
const (
	EventUnauthorized = "unauthorized"
	EventNewMessage   = "new_message"
	EventUserTyping   = "user_typing"
	EventMessageRead  = "message_read"
	EventUserOnline   = "user_online"
	EventUserOffline  = "user_offline"
	EventError        = "error"
)

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Event string              `json:"event"`
	Data  jsoniter.RawMessage `json:"data,omitempty"`
}

// OutboundEvent is an event ready to be encoded and written to a connection.
type OutboundEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Encode serialises the event into an envelope frame.
func (e OutboundEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// SendMessagePayload is the data of an inbound send_message event.
type SendMessagePayload struct {
	ThreadID string `json:"threadId"`
	Content  string `json:"content"`
}

// TypingPayload is the data of inbound typing_start / typing_stop events.
type TypingPayload struct {
	ThreadID string `json:"threadId"`
}

// MarkReadPayload is the data of an inbound mark_read event.
type MarkReadPayload struct {
	MessageID string `json:"messageId"`
}

// UnauthorizedPayload is sent once before an unadmitted socket is closed.
// Message carries a machine-stable reason code, Detail a human string.
type UnauthorizedPayload struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

type NewMessagePayload struct {
	Message  *Message `json:"message"`
	ThreadID string   `json:"threadId"`
}

type UserTypingPayload struct {
	UserID   string `json:"userId"`
	ThreadID string `json:"threadId"`
	IsTyping bool   `json:"isTyping"`
}

type MessageReadPayload struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	ThreadID  string    `json:"threadId"`
	ReadAt    time.Time `json:"readAt"`
}

// PresencePayload backs both user_online and user_offline.
type PresencePayload struct {
	UserID   string `json:"userId"`
	ThreadID string `json:"threadId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// InboundEvent is a decoded and validated client event. Exactly one of the
// payload pointers is set, matching Name.
type InboundEvent struct {
	Name        string
	SendMessage *SendMessagePayload
	Typing      *TypingPayload
	MarkRead    *MarkReadPayload
}
