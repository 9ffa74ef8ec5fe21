package transport

import "errors"

// Sentinel errors for the connection-level error kinds of spec.md §7 that
// Submit can return synchronously, or that resolve a correlated future
// when the socket fails out from under an in-flight request.
var (
	// ErrConnectionUnavailable is returned by Submit when buffering is
	// disabled and the transport is reconnecting.
	ErrConnectionUnavailable = errors.New("transport: connection unavailable")

	// ErrConnectionInterrupted fails a correlated future when the socket
	// write of its request fails. A request already written when the
	// socket later drops is not failed with this error.
	ErrConnectionInterrupted = errors.New("transport: connection interrupted")

	// ErrConnectionLost is returned once reconnect attempts are
	// exhausted; every later submission fails the same way.
	ErrConnectionLost = errors.New("transport: connection lost")

	// ErrBufferOverflow is returned by Submit when the outbound buffer is
	// at capacity.
	ErrBufferOverflow = errors.New("transport: outbound buffer full")

	// ErrBackPressure is returned by Submit when buffering is disabled
	// and the server has signalled throttling.
	ErrBackPressure = errors.New("transport: server applying back-pressure")

	// ErrClosed is returned by Submit once Close has been called.
	ErrClosed = errors.New("transport: closed")
)
