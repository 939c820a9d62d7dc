package interfaces

import "relay/pkg/types"

// Connection is an admitted client socket as seen by the relay components.
// Send must be safe for concurrent use; implementations serialise writes.
type Connection interface {
	// ID returns the opaque connection identifier assigned at upgrade.
	ID() string

	// UserID returns the authenticated subject. Empty before admission.
	UserID() string

	// Claim returns the identity claim attached at admission.
	Claim() *types.IdentityClaim

	// Send queues an outbound event for delivery to the client.
	Send(event types.OutboundEvent) error

	// Close terminates the socket and releases its resources.
	Close() error
}
