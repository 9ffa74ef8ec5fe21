package bus

import "errors"

// Sentinel errors corresponding to the error kinds of spec.md §7 that the
// bus itself can surface. Parse failures are logged, never surfaced, so
// they have no sentinel here.
var (
	// ErrTimeout is returned by a one-shot future, or passed to an
	// idle-timeout subscriber's onTimeout callback, when no matching
	// message arrived in time.
	ErrTimeout = errors.New("bus: timeout waiting for message")

	// ErrShutdown is returned to any one-shot future still pending when
	// the bus is shut down.
	ErrShutdown = errors.New("bus: shut down")
)
