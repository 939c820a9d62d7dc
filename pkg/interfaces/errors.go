package interfaces

import "errors"

// Common errors returned by collaborator implementations.
var (
	ErrNotFound = errors.New("not found")
)
