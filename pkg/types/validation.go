package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxContentLength bounds message content in characters when the
// caller does not configure a limit.
const DefaultMaxContentLength = 4000

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_:.-]+$`)

// IsValidID checks thread, message and user identifiers: 1-128 characters,
// alphanumerics plus a small punctuation set.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 128 {
		return false
	}
	return idRegex.MatchString(id)
}

// Validate ensures the payload names a thread and carries non-blank content
// no longer than maxLen characters.
func (p *SendMessagePayload) Validate(maxLen int) error {
	if !IsValidID(p.ThreadID) {
		return ErrInvalidThreadID
	}
	if strings.TrimSpace(p.Content) == "" {
		return ErrEmptyContent
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxContentLength
	}
	if utf8.RuneCountInString(p.Content) > maxLen {
		return ErrContentTooLarge
	}
	return nil
}

func (p *TypingPayload) Validate() error {
	if !IsValidID(p.ThreadID) {
		return ErrInvalidThreadID
	}
	return nil
}

func (p *MarkReadPayload) Validate() error {
	if !IsValidID(p.MessageID) {
		return ErrInvalidMessageID
	}
	return nil
}

// DecodeInbound parses a raw frame into a tagged inbound event and validates
// its payload. Unknown event names and malformed payloads are rejected here so
// component logic only ever sees well-formed input.
func DecodeInbound(frame []byte, maxContentLen int) (*InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, ErrMalformedFrame
	}

	ev := &InboundEvent{Name: env.Event}

	switch env.Event {
	case EventSendMessage:
		var p SendMessagePayload
		if err := decodeData(env.Data, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(maxContentLen); err != nil {
			return nil, err
		}
		ev.SendMessage = &p

	case EventTypingStart, EventTypingStop:
		var p TypingPayload
		if err := decodeData(env.Data, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		ev.Typing = &p

	case EventMarkRead:
		var p MarkReadPayload
		if err := decodeData(env.Data, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		ev.MarkRead = &p

	default:
		return nil, ErrUnknownEvent
	}

	return ev, nil
}

func decodeData(data []byte, v interface{}) error {
	if len(data) == 0 {
		return ErrMalformedPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrMalformedPayload
	}
	return nil
}
