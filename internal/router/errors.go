package router

import (
	"errors"

	"relay/pkg/types"
)

var (
	ErrNotThreadMember   = errors.New("not a member of this thread")
	ErrNotFoundOrDenied  = errors.New("message not found or access denied")
	ErrSendFailed        = errors.New("error sending message")
	ErrMarkReadFailed    = errors.New("error marking message as read")
	ErrRateLimitExceeded = errors.New("message rate limit exceeded")
)

// clientSafe are errors whose text may be shown to the client as is.
var clientSafe = []error{
	ErrNotThreadMember,
	ErrNotFoundOrDenied,
	ErrSendFailed,
	ErrMarkReadFailed,
	ErrRateLimitExceeded,
	types.ErrMalformedFrame,
	types.ErrMalformedPayload,
	types.ErrUnknownEvent,
	types.ErrInvalidThreadID,
	types.ErrInvalidMessageID,
	types.ErrEmptyContent,
	types.ErrContentTooLarge,
}

// ClientMessage maps err to the text sent in an error event. Storage and
// other internal failures collapse to a generic message.
func ClientMessage(err error) string {
	for _, safe := range clientSafe {
		if errors.Is(err, safe) {
			return safe.Error()
		}
	}
	return "internal error"
}
