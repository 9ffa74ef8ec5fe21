// Package search implements the search subscription driver (C3): a
// reactive-streams-style publisher over a server-side pull search session
// that speaks hasNext/complete/failed against a demand the subscriber
// controls (spec.md §4.2).
package search

import "sync"

// Dispatcher runs a task on a single logical thread, preserving submission
// order. A search session's dispatcher is supplied externally and owned by
// the enclosing client, not by the session: spec.md §9 is explicit that the
// session must never capture or finalize its own dispatcher, since the
// dispatcher may need to outlive any particular session for late
// cancellations.
type Dispatcher interface {
	// Submit hands fn to the dispatcher, preserving submission order.
	// Implementations may run fn inline on the calling goroutine
	// (InlineDispatcher always does, a stopped SerialDispatcher does), and
	// SerialDispatcher.Submit blocks while its job queue is full.
	Submit(fn func())
}

// SerialDispatcher is a Dispatcher backed by a single worker goroutine
// draining a job queue, the same single-thread-worker shape used
// throughout the retrieval pack's event-bus and pub/sub implementations.
type SerialDispatcher struct {
	jobs chan func()
	done chan struct{}
	once sync.Once
}

// NewSerialDispatcher starts a dispatcher with the given job queue depth.
func NewSerialDispatcher(queueDepth int) *SerialDispatcher {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	d := &SerialDispatcher{
		jobs: make(chan func(), queueDepth),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *SerialDispatcher) run() {
	for {
		select {
		case fn := <-d.jobs:
			fn()
		case <-d.done:
			for {
				select {
				case fn := <-d.jobs:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues fn. If the dispatcher has been stopped, fn runs inline on
// the calling goroutine instead — matching spec.md §9's "the driver checks
// the dispatcher before submitting; if absent, it runs inline" rule, which
// we generalise to "stopped" as well as "absent".
func (d *SerialDispatcher) Submit(fn func()) {
	select {
	case <-d.done:
		fn()
		return
	default:
	}
	select {
	case d.jobs <- fn:
	case <-d.done:
		fn()
	}
}

// Stop shuts the dispatcher down. Jobs already queued before Stop is
// observed by run() still execute; jobs submitted afterwards run inline.
func (d *SerialDispatcher) Stop() {
	d.once.Do(func() { close(d.done) })
}

// InlineDispatcher runs every submission synchronously on the calling
// goroutine. Useful for tests and for callers that have no dispatcher of
// their own to inject.
type InlineDispatcher struct{}

// Submit runs fn immediately.
func (InlineDispatcher) Submit(fn func()) { fn() }
