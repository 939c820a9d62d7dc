package push

import "errors"

var (
	ErrDispatcherAlreadyRunning = errors.New("push dispatcher is already running")
	ErrDispatcherNotRunning     = errors.New("push dispatcher is not running")
	ErrQueueFull                = errors.New("push queue is full")
)
