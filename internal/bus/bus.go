// Package bus implements the adaptable bus: the in-process publish/
// subscribe dispatcher that routes every inbound frame to the right
// waiter (spec.md §4.1). It is the core of C2.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kestrelhub/twinlink/internal/protocol"
)

const (
	defaultQueueSize   = 1024
	defaultWorkerLimit = int64(64)
)

// stringWaiter is a one-shot subscriber waiting for a matching raw string.
type stringWaiter struct {
	future *Future[string]
	timer  *time.Timer
}

// frameWaiter is a one-shot subscriber waiting for a matching frame.
type frameWaiter struct {
	future *Future[*protocol.Adaptable]
	timer  *time.Timer
}

// persistentEntry is the bus's record of a persistent subscription. It is
// also the opaque reference-identity handle a SubscriptionID wraps.
type persistentEntry struct {
	key             protocol.Key
	callback        func(*protocol.Adaptable)
	idle            time.Duration // zero means no idle timeout
	terminationPred func(*protocol.Adaptable) bool
	onTimeout       func(error)
	lastMessage     time.Time
	timer           *time.Timer
	removed         bool
}

// SubscriptionID identifies a persistent subscription. It has reference
// identity: two subscriptions to the same key are distinct SubscriptionIDs.
type SubscriptionID struct {
	entry *persistentEntry
}

// Valid reports whether id refers to an entry (the zero SubscriptionID,
// returned when a subscription call is rejected because the bus is
// shutting down, is never Valid).
func (id SubscriptionID) Valid() bool { return id.entry != nil }

// Bus routes inbound raw strings to one-shot waiters, persistent
// subscribers, or an unhandled-message sink, per the dispatch algorithm
// of spec.md §4.1.
type Bus struct {
	logger *slog.Logger
	parse  protocol.FrameParser

	mu                sync.Mutex
	stringClassifiers []protocol.StringClassifier
	frameClassifiers  []protocol.FrameClassifier
	oneShotString     map[protocol.Key][]*stringWaiter
	oneShotFrame      map[protocol.Key][]*frameWaiter
	persistent        map[protocol.Key][]*persistentEntry
	shuttingDown      bool

	queue   chan string
	execSem *semaphore.Weighted
	wg      sync.WaitGroup
	closed  chan struct{}

	shutdownOnce sync.Once
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithLogger sets the structured logger used for dropped/unhandled
// messages and swallowed callback panics. The default discards nothing
// interesting but uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithQueueSize sets the capacity of the dispatcher's inbound queue.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan string, n)
		}
	}
}

// WithWorkerLimit bounds the general-purpose pool used for non-sequential
// persistent-subscriber callbacks (spec.md §5).
func WithWorkerLimit(n int64) Option {
	return func(b *Bus) {
		if n > 0 {
			b.execSem = semaphore.NewWeighted(n)
		}
	}
}

// New creates a Bus ready for use. parse is the injected wire-format
// parser; a nil parse falls back to protocol.ParseAdaptable. The identity
// string-classifier is always installed first, per spec.md §4.1.
func New(parse protocol.FrameParser, opts ...Option) *Bus {
	if parse == nil {
		parse = protocol.ParseAdaptable
	}
	b := &Bus{
		logger:        slog.Default(),
		parse:         parse,
		oneShotString: make(map[protocol.Key][]*stringWaiter),
		oneShotFrame:  make(map[protocol.Key][]*frameWaiter),
		persistent:    make(map[protocol.Key][]*persistentEntry),
		queue:         make(chan string, defaultQueueSize),
		execSem:       semaphore.NewWeighted(defaultWorkerLimit),
		closed:        make(chan struct{}),
	}
	b.stringClassifiers = append(b.stringClassifiers, protocol.IdentityStringClassifier)

	for _, opt := range opts {
		opt(b)
	}

	b.wg.Add(1)
	go b.dispatchLoop()

	return b
}

// AddStringClassifier appends a string-classifier. Subsequent dispatches
// consider it; classifier order is significant (first match wins).
func (b *Bus) AddStringClassifier(c protocol.StringClassifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stringClassifiers = append(b.stringClassifiers, c)
}

// AddFrameClassifier appends a frame-classifier.
func (b *Bus) AddFrameClassifier(c protocol.FrameClassifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frameClassifiers = append(b.frameClassifiers, c)
}

// SubscribeOnceForString registers a one-shot waiter for the first raw
// string classifying to key. The returned future fails with ErrTimeout if
// nothing matches within timeout.
func (b *Bus) SubscribeOnceForString(key protocol.Key, timeout time.Duration) (*Future[string], error) {
	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return nil, ErrShutdown
	}
	w := &stringWaiter{future: NewFuture[string]()}
	w.timer = time.AfterFunc(timeout, func() { b.expireStringWaiter(key, w) })
	b.oneShotString[key] = append(b.oneShotString[key], w)
	b.mu.Unlock()
	return w.future, nil
}

// SubscribeOnceForFrame registers a one-shot waiter for the first frame
// classifying to key. Only effective if no one-shot string subscriber
// consumes the raw item first (spec.md §4.1).
func (b *Bus) SubscribeOnceForFrame(key protocol.Key, timeout time.Duration) (*Future[*protocol.Adaptable], error) {
	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return nil, ErrShutdown
	}
	w := &frameWaiter{future: NewFuture[*protocol.Adaptable]()}
	w.timer = time.AfterFunc(timeout, func() { b.expireFrameWaiter(key, w) })
	b.oneShotFrame[key] = append(b.oneShotFrame[key], w)
	b.mu.Unlock()
	return w.future, nil
}

// SubscribeForFrame registers a persistent subscriber receiving every
// frame matching key until Unsubscribe is called.
func (b *Bus) SubscribeForFrame(key protocol.Key, callback func(*protocol.Adaptable)) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shuttingDown {
		return SubscriptionID{}
	}
	e := &persistentEntry{key: key, callback: callback}
	b.persistent[key] = append(b.persistent[key], e)
	return SubscriptionID{entry: e}
}

// SubscribeForFrameWithIdleTimeout registers a persistent subscriber that
// additionally auto-unregisters when terminationPred matches a received
// frame (silently) or when no non-termination frame arrives within idle
// of the last one (calling onTimeout).
func (b *Bus) SubscribeForFrameWithIdleTimeout(
	key protocol.Key,
	idle time.Duration,
	callback func(*protocol.Adaptable),
	terminationPred func(*protocol.Adaptable) bool,
	onTimeout func(error),
) SubscriptionID {
	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return SubscriptionID{}
	}
	e := &persistentEntry{
		key:             key,
		callback:        callback,
		idle:            idle,
		terminationPred: terminationPred,
		onTimeout:       onTimeout,
		lastMessage:     time.Now(),
	}
	b.persistent[key] = append(b.persistent[key], e)
	b.mu.Unlock()

	b.armIdleTimer(e)
	return SubscriptionID{entry: e}
}

// FailPendingFrame fails exactly one pending one-shot frame waiter
// registered under key with err, as if its timer had expired. It is the
// transport's hook for resolving a correlated future the moment the
// underlying socket fails, rather than waiting out the full timeout
// (spec.md §6, the "future resolves ... or on socket failure" rule).
// Reports whether a waiter was found and failed.
func (b *Bus) FailPendingFrame(key protocol.Key, err error) bool {
	b.mu.Lock()
	waiters := b.oneShotFrame[key]
	if len(waiters) == 0 {
		b.mu.Unlock()
		return false
	}
	w := waiters[0]
	w.timer.Stop()
	if len(waiters) == 1 {
		delete(b.oneShotFrame, key)
	} else {
		b.oneShotFrame[key] = waiters[1:]
	}
	b.mu.Unlock()
	w.future.fail(err)
	return true
}

// TerminateAll fails every pending one-shot waiter with err and notifies
// every idle-timeout-guarded persistent entry's onTimeout with err, as if
// each had just idled out, then removes all of them from the registry.
// This is the bus's side of spec.md §2's "catastrophic reconnect failure
// terminates C2 subscribers with a connection-lost failure" rule: the
// transport calls this once it gives up on the connection for good.
// Plain persistent entries with no onTimeout (they have no error channel
// of their own) are simply removed.
func (b *Bus) TerminateAll(err error) {
	b.mu.Lock()
	var toNotify []*persistentEntry

	for key, waiters := range b.oneShotString {
		for _, w := range waiters {
			w.timer.Stop()
			w.future.fail(err)
		}
		delete(b.oneShotString, key)
	}
	for key, waiters := range b.oneShotFrame {
		for _, w := range waiters {
			w.timer.Stop()
			w.future.fail(err)
		}
		delete(b.oneShotFrame, key)
	}
	for key, entries := range b.persistent {
		for _, e := range entries {
			if e.removed {
				continue
			}
			e.removed = true
			if e.timer != nil {
				e.timer.Stop()
			}
			if e.onTimeout != nil {
				toNotify = append(toNotify, e)
			}
		}
		delete(b.persistent, key)
	}
	b.mu.Unlock()

	for _, e := range toNotify {
		e.onTimeout(err)
	}
}

// Unsubscribe removes a persistent entry. It is idempotent: it returns
// true the first time, false on every later call for the same id.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	e := id.entry
	if e == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.removed {
		return false
	}
	e.removed = true
	if e.timer != nil {
		e.timer.Stop()
	}
	return b.removeFromRegistryLocked(e)
}

// Publish asynchronously enqueues raw for dispatch. Safe for concurrent
// use. No-op once the bus is shut down.
func (b *Bus) Publish(raw string) {
	b.mu.Lock()
	down := b.shuttingDown
	b.mu.Unlock()
	if down {
		return
	}
	select {
	case b.queue <- raw:
	case <-b.closed:
	}
}

// Shutdown stops dispatch. In-flight callbacks are allowed to complete;
// pending one-shot futures fail with ErrShutdown; future Publish calls
// are dropped.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.shuttingDown = true

		for key, waiters := range b.oneShotString {
			for _, w := range waiters {
				w.timer.Stop()
				w.future.fail(ErrShutdown)
			}
			delete(b.oneShotString, key)
		}
		for key, waiters := range b.oneShotFrame {
			for _, w := range waiters {
				w.timer.Stop()
				w.future.fail(ErrShutdown)
			}
			delete(b.oneShotFrame, key)
		}
		for key, entries := range b.persistent {
			for _, e := range entries {
				e.removed = true
				if e.timer != nil {
					e.timer.Stop()
				}
			}
			delete(b.persistent, key)
		}
		b.mu.Unlock()

		close(b.closed)
		b.wg.Wait()
	})
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case raw := <-b.queue:
			b.dispatchOne(raw)
		case <-b.closed:
			return
		}
	}
}

func (b *Bus) dispatchOne(raw string) {
	if waiter, ok := b.matchOneShotString(raw); ok {
		waiter.future.complete(raw)
		return
	}

	if protocol.IsAck(raw) {
		b.logger.Debug("bus: dropping acknowledgement frame", "raw", raw)
		return
	}

	frame, err := b.parse(raw)
	if err != nil {
		b.logger.Debug("bus: dropping unparsable frame", "error", err)
		return
	}

	keys := b.classifyFrame(frame)

	if waiter, ok := b.matchOneShotFrame(keys); ok {
		waiter.future.complete(frame)
		return
	}

	deliveries := b.matchPersistent(keys)
	if len(deliveries) == 0 {
		b.logger.Debug("bus: unhandled frame", "topic", frame.Topic, "keys", len(keys))
		return
	}
	for _, e := range deliveries {
		b.deliverPersistent(e, frame)
	}
}

func (b *Bus) matchOneShotString(raw string) (*stringWaiter, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sc := range b.stringClassifiers {
		key, ok := sc(raw)
		if !ok {
			continue
		}
		waiters := b.oneShotString[key]
		if len(waiters) == 0 {
			continue
		}
		w := waiters[0]
		w.timer.Stop()
		b.popStringWaiterLocked(key, waiters)
		return w, true
	}
	return nil, false
}

func (b *Bus) popStringWaiterLocked(key protocol.Key, waiters []*stringWaiter) {
	if len(waiters) == 1 {
		delete(b.oneShotString, key)
		return
	}
	b.oneShotString[key] = waiters[1:]
}

func (b *Bus) matchOneShotFrame(keys []protocol.Key) (*frameWaiter, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		waiters := b.oneShotFrame[key]
		if len(waiters) == 0 {
			continue
		}
		w := waiters[0]
		w.timer.Stop()
		if len(waiters) == 1 {
			delete(b.oneShotFrame, key)
		} else {
			b.oneShotFrame[key] = waiters[1:]
		}
		return w, true
	}
	return nil, false
}

func (b *Bus) classifyFrame(frame *protocol.Adaptable) []protocol.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []protocol.Key
	for _, fc := range b.frameClassifiers {
		if key, ok := fc(frame); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

func (b *Bus) matchPersistent(keys []protocol.Key) []*persistentEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*persistentEntry
	for _, key := range keys {
		out = append(out, b.persistent[key]...)
	}
	return out
}

func (b *Bus) deliverPersistent(e *persistentEntry, frame *protocol.Adaptable) {
	b.mu.Lock()
	removed := e.removed
	b.mu.Unlock()
	if removed {
		return
	}

	run := func() {
		b.safeCall(e, frame)
		if e.idle > 0 {
			if e.terminationPred != nil && e.terminationPred(frame) {
				b.removeEntrySilently(e)
				return
			}
			b.mu.Lock()
			e.lastMessage = time.Now()
			b.mu.Unlock()
		}
	}

	if e.key.MustBeSequential() {
		run()
		return
	}

	if err := b.execSem.Acquire(context.Background(), 1); err != nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.execSem.Release(1)
		run()
	}()
}

func (b *Bus) safeCall(e *persistentEntry, frame *protocol.Adaptable) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus: subscriber callback panicked", "panic", r, "key", e.key.String())
		}
	}()
	e.callback(frame)
}

func (b *Bus) armIdleTimer(e *persistentEntry) {
	b.mu.Lock()
	if e.removed {
		b.mu.Unlock()
		return
	}
	e.timer = time.AfterFunc(e.idle, func() { b.fireIdleTimer(e) })
	b.mu.Unlock()
}

// fireIdleTimer implements the re-arming idle-timeout semantics of
// spec.md §9: a fire that occurs after lastMessage has advanced inside
// the window is a no-op that reschedules for the remaining time, so at
// most one onTimeout happens per idle period.
func (b *Bus) fireIdleTimer(e *persistentEntry) {
	b.mu.Lock()
	if e.removed {
		b.mu.Unlock()
		return
	}
	elapsed := time.Since(e.lastMessage)
	if elapsed < e.idle {
		remaining := e.idle - elapsed
		e.timer = time.AfterFunc(remaining, func() { b.fireIdleTimer(e) })
		b.mu.Unlock()
		return
	}
	e.removed = true
	b.removeFromRegistryLocked(e)
	b.mu.Unlock()

	if e.onTimeout != nil {
		e.onTimeout(ErrTimeout)
	}
}

// removeEntrySilently removes e without invoking onTimeout, used when a
// termination predicate matches a received frame.
func (b *Bus) removeEntrySilently(e *persistentEntry) {
	b.mu.Lock()
	if e.removed {
		b.mu.Unlock()
		return
	}
	e.removed = true
	if e.timer != nil {
		e.timer.Stop()
	}
	b.removeFromRegistryLocked(e)
	b.mu.Unlock()
}

// removeFromRegistryLocked deletes e from b.persistent[e.key]. Callers
// must hold b.mu.
func (b *Bus) removeFromRegistryLocked(e *persistentEntry) bool {
	list := b.persistent[e.key]
	for i, candidate := range list {
		if candidate == e {
			if len(list) == 1 {
				delete(b.persistent, e.key)
			} else {
				b.persistent[e.key] = append(list[:i:i], list[i+1:]...)
			}
			return true
		}
	}
	return false
}

func (b *Bus) expireStringWaiter(key protocol.Key, w *stringWaiter) {
	b.mu.Lock()
	waiters := b.oneShotString[key]
	idx := -1
	for i, candidate := range waiters {
		if candidate == w {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return
	}
	if len(waiters) == 1 {
		delete(b.oneShotString, key)
	} else {
		b.oneShotString[key] = append(waiters[:idx:idx], waiters[idx+1:]...)
	}
	b.mu.Unlock()
	w.future.fail(ErrTimeout)
}

func (b *Bus) expireFrameWaiter(key protocol.Key, w *frameWaiter) {
	b.mu.Lock()
	waiters := b.oneShotFrame[key]
	idx := -1
	for i, candidate := range waiters {
		if candidate == w {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return
	}
	if len(waiters) == 1 {
		delete(b.oneShotFrame, key)
	} else {
		b.oneShotFrame[key] = append(waiters[:idx:idx], waiters[idx+1:]...)
	}
	b.mu.Unlock()
	w.future.fail(ErrTimeout)
}
