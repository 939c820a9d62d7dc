package types

import "errors"

var (
	ErrMalformedFrame   = errors.New("malformed event frame")
	ErrMalformedPayload = errors.New("malformed event payload")
	ErrUnknownEvent     = errors.New("unknown event")
	ErrInvalidThreadID  = errors.New("invalid thread id")
	ErrInvalidMessageID = errors.New("invalid message id")
	ErrEmptyContent     = errors.New("message content cannot be empty")
	ErrContentTooLarge  = errors.New("message content too long")
)
