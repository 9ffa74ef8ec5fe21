// Package transport implements the connection resilience layer (C1): a
// single multiplexed socket, an outbound FIFO buffer, a back-pressure and
// reconnect state machine, and inbound delivery to the bus (spec.md §4.3).
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelhub/twinlink/internal/bus"
	"github.com/kestrelhub/twinlink/internal/protocol"
)

// State is one of the transport's connection states.
type State int

// States of the reconnect/back-pressure state machine (spec.md §4.3).
const (
	StateInit State = iota
	StateConnected
	StateBackPressure
	StateBuffering
	StateReconnecting
	StateDisconnected
	StateBufferFull
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnected:
		return "connected"
	case StateBackPressure:
		return "backPressure"
	case StateBuffering:
		return "buffering"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateBufferFull:
		return "bufferFull"
	default:
		return "unknown"
	}
}

// StateObserver receives one callback per transition, in order (spec.md §6).
type StateObserver interface {
	Connected()
	Buffering()
	BackPressure()
	Reconnecting()
	Disconnected()
	BufferFull()
}

// NopStateObserver implements StateObserver with no-ops.
type NopStateObserver struct{}

func (NopStateObserver) Connected()    {}
func (NopStateObserver) Buffering()    {}
func (NopStateObserver) BackPressure() {}
func (NopStateObserver) Reconnecting() {}
func (NopStateObserver) Disconnected() {}
func (NopStateObserver) BufferFull()   {}

// ErrorSink receives connection-error descriptors during reconnect attempts.
type ErrorSink interface {
	OnConnectionError(err error)
}

// NopErrorSink implements ErrorSink with a no-op.
type NopErrorSink struct{}

func (NopErrorSink) OnConnectionError(error) {}

// BackPressureDetector inspects a raw inbound message for a server
// throttling signal (e.g. a 429-class response). The default never
// detects back-pressure; callers with domain knowledge of the wire format
// supply their own.
type BackPressureDetector func(raw string) bool

func noBackPressure(string) bool { return false }

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithStateObserver installs the state-transition observer.
func WithStateObserver(observer StateObserver) Option {
	return func(t *Transport) {
		if observer != nil {
			t.observer = observer
		}
	}
}

// WithErrorSink installs the reconnect error sink.
func WithErrorSink(sink ErrorSink) Option {
	return func(t *Transport) {
		if sink != nil {
			t.errSink = sink
		}
	}
}

// WithBufferSize enables the outbound buffer at the given capacity. A
// Transport constructed without this option has buffering disabled: every
// non-connected submission fails fast (spec.md §6's `bufferSize: none`).
func WithBufferSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.bufferSize = n
			t.bufferingEnabled = true
		}
	}
}

// WithReconnectEnabled controls whether the transport attempts to
// reconnect after a retryable close. Defaults to true.
func WithReconnectEnabled(enabled bool) Option {
	return func(t *Transport) { t.reconnectEnabled = enabled }
}

// WithBackoff overrides the reconnect backoff schedule.
func WithBackoff(cfg BackoffConfig) Option {
	return func(t *Transport) { t.backoff = cfg.withDefaults() }
}

// WithBackPressureDetector installs a custom back-pressure detector.
func WithBackPressureDetector(detector BackPressureDetector) Option {
	return func(t *Transport) {
		if detector != nil {
			t.backPressure = detector
		}
	}
}

// Transport serializes outbound frames onto one socket and hands inbound
// frames to the bus, implementing the reconnect/back-pressure state
// machine of spec.md §4.3.
type Transport struct {
	logger       *slog.Logger
	bus          *bus.Bus
	dial         Dialer
	observer     StateObserver
	errSink      ErrorSink
	backPressure BackPressureDetector

	bufferSize       int
	bufferingEnabled bool
	reconnectEnabled bool
	backoff          BackoffConfig

	mu           sync.Mutex
	state        State
	preFullState State
	socket       Socket
	outbound     []string
	closed       bool
	closeCh      chan struct{}
	closeOnce    sync.Once

	// writeMu serializes every socket.WriteMessage call. gorilla's
	// *websocket.Conn tolerates only one concurrent writer; execute's
	// direct-send path and drainBuffer's replay can otherwise run on
	// different goroutines against the same socket at once (a
	// submission arriving the instant a reconnect finishes and starts
	// replaying), corrupting the wire framing.
	writeMu sync.Mutex

	wg sync.WaitGroup
}

// New creates a Transport. dial opens the socket, both for the initial
// connect and for every reconnect attempt.
func New(dial Dialer, b *bus.Bus, opts ...Option) *Transport {
	t := &Transport{
		logger:           slog.Default(),
		bus:              b,
		dial:             dial,
		observer:         NopStateObserver{},
		errSink:          NopErrorSink{},
		backPressure:     noBackPressure,
		reconnectEnabled: true,
		backoff:          DefaultBackoffConfig(),
		state:            StateInit,
		closeCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start dials the initial connection and begins the read loop. If the
// initial dial fails and reconnect is enabled, it begins reconnecting in
// the background and returns nil; if reconnect is disabled, it returns
// the dial error.
func (t *Transport) Start(ctx context.Context) error {
	socket, err := t.dial(ctx)
	if err != nil {
		if !t.reconnectEnabled {
			t.disconnectPermanently()
			return fmt.Errorf("transport: initial dial: %w", err)
		}
		t.errSink.OnConnectionError(err)
		t.setState(StateReconnecting)
		t.wg.Add(1)
		go t.reconnectLoop()
		return nil
	}

	t.mu.Lock()
	t.socket = socket
	t.mu.Unlock()
	t.setState(StateConnected)

	t.wg.Add(1)
	go t.readLoop(socket)
	return nil
}

// Close shuts the transport down: the socket is closed and no further
// reconnect attempts are made. Submit returns ErrClosed afterwards.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	socket := t.socket
	t.socket = nil
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.closeCh) })

	var err error
	if socket != nil {
		err = socket.Close()
	}
	t.wg.Wait()
	return err
}

// Send submits raw without creating a correlated response future. Used by
// collaborators (such as a search session) whose response correlation is
// handled independently of the usual request/response future.
func (t *Transport) Send(raw string) error {
	action, err := t.prepareSubmission(raw)
	if err != nil {
		return err
	}
	return t.execute(action, raw, protocol.Key{}, nil)
}

// Submit sends raw and returns a future that resolves with the frame the
// bus classifies under responseKey. The future fails with
// ErrConnectionInterrupted when the write of raw itself fails, and with
// ErrConnectionLost once the transport gives up on the connection for
// good. A request already written when the socket later drops is not
// failed by that drop: its future stays pending until a response arrives,
// its timeout expires, or ErrConnectionLost is reported. Submit itself fails
// immediately (nil future, non-nil error) when the state machine cannot
// accept the submission at all (spec.md §4.3's "fail immediately" paths).
func (t *Transport) Submit(responseKey protocol.Key, raw string, timeout time.Duration) (*bus.Future[*protocol.Adaptable], error) {
	action, err := t.prepareSubmission(raw)
	if err != nil {
		return nil, err
	}

	fut, err := t.bus.SubscribeOnceForFrame(responseKey, timeout)
	if err != nil {
		return nil, err
	}

	if err := t.execute(action, raw, responseKey, fut); err != nil {
		return fut, nil // fut has already been failed by execute
	}
	return fut, nil
}

type submitAction int

const (
	actionSendNow submitAction = iota
	actionEnqueue
)

// prepareSubmission decides, under lock, whether raw can be sent
// directly, must be buffered, or must fail immediately. It performs every
// state mutation the decision implies (including bufferFull overlay
// entry) except the actual buffer append for actionEnqueue, which execute
// performs after re-acquiring the lock in the no-IO path.
func (t *Transport) prepareSubmission(raw string) (submitAction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}

	switch t.state {
	case StateConnected:
		return actionSendNow, nil

	case StateBackPressure:
		if !t.bufferingEnabled {
			return 0, ErrBackPressure
		}
		if len(t.outbound) >= t.bufferSize {
			t.enterBufferFullLocked(StateBuffering)
			return 0, ErrBufferOverflow
		}
		t.transitionLocked(StateBuffering)
		return actionEnqueue, nil

	case StateBuffering, StateReconnecting:
		if !t.bufferingEnabled {
			if t.state == StateReconnecting {
				return 0, ErrConnectionUnavailable
			}
			return 0, ErrBackPressure
		}
		if len(t.outbound) >= t.bufferSize {
			t.enterBufferFullLocked(t.state)
			return 0, ErrBufferOverflow
		}
		return actionEnqueue, nil

	case StateBufferFull:
		return 0, ErrBufferOverflow

	case StateDisconnected:
		return 0, ErrConnectionLost

	default: // StateInit
		return 0, ErrConnectionUnavailable
	}
}

// execute performs the action prepareSubmission decided on. For
// actionSendNow it writes to the socket outside the lock; on write
// failure it fails fut (if any) with ErrConnectionInterrupted and begins
// reconnecting. For actionEnqueue it appends raw to the outbound buffer.
func (t *Transport) execute(action submitAction, raw string, key protocol.Key, fut *bus.Future[*protocol.Adaptable]) error {
	switch action {
	case actionEnqueue:
		t.mu.Lock()
		t.outbound = append(t.outbound, raw)
		t.mu.Unlock()
		return nil

	default: // actionSendNow
		t.mu.Lock()
		socket := t.socket
		t.mu.Unlock()
		if socket == nil {
			if fut != nil {
				t.bus.FailPendingFrame(key, ErrConnectionInterrupted)
			}
			return ErrConnectionInterrupted
		}
		if err := t.writeToSocket(socket, raw); err != nil {
			t.handleSocketFailure(socket, err)
			if fut != nil {
				t.bus.FailPendingFrame(key, fmt.Errorf("%w: %v", ErrConnectionInterrupted, err))
			}
			return ErrConnectionInterrupted
		}
		return nil
	}
}

// writeToSocket serializes a single WriteMessage call against every other
// writer of this transport, so a direct send and a buffer drain can never
// interleave their writes to the same socket.
func (t *Transport) writeToSocket(socket Socket, raw string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return socket.WriteMessage(raw)
}

// enterBufferFullLocked records the state to restore to once the buffer
// drains and notifies the observer. Callers must hold t.mu.
func (t *Transport) enterBufferFullLocked(restoreState State) {
	if t.state == StateBufferFull {
		return
	}
	t.preFullState = restoreState
	t.state = StateBufferFull
	t.observer.BufferFull()
}

// transitionLocked changes state and fires the matching observer
// callback. Callers must hold t.mu; the observer call happens while still
// holding the lock so that transitions are observed in order.
func (t *Transport) transitionLocked(to State) {
	t.state = to
	switch to {
	case StateConnected:
		t.observer.Connected()
	case StateBackPressure:
		t.observer.BackPressure()
	case StateBuffering:
		t.observer.Buffering()
	case StateReconnecting:
		t.observer.Reconnecting()
	case StateDisconnected:
		t.observer.Disconnected()
	case StateBufferFull:
		t.observer.BufferFull()
	}
}

func (t *Transport) setState(to State) {
	t.mu.Lock()
	t.transitionLocked(to)
	t.mu.Unlock()
}

// disconnectPermanently moves to disconnected and tells the bus no
// further frames will ever arrive, so every pending waiter and
// idle-guarded persistent subscriber (a search session, most notably)
// terminates now with a connection-lost failure rather than hanging
// until its own timeout (spec.md §2).
func (t *Transport) disconnectPermanently() {
	t.setState(StateDisconnected)
	t.bus.TerminateAll(ErrConnectionLost)
}

// readLoop reads frames off socket and hands every raw payload to the bus
// unconditionally; back-pressure detection and buffer draining are the
// only extra logic performed here. C1 never classifies frames itself
// (spec.md §4.3): dispatch ordering belongs entirely to the bus.
func (t *Transport) readLoop(socket Socket) {
	defer t.wg.Done()
	for {
		raw, err := socket.ReadMessage()
		if err != nil {
			t.handleSocketFailure(socket, err)
			return
		}

		t.mu.Lock()
		state := t.state
		if state == StateBufferFull {
			state = t.preFullState
		}
		t.mu.Unlock()

		if state == StateConnected && t.backPressure(raw) {
			t.setState(StateBackPressure)
		} else if (state == StateBackPressure || state == StateBuffering) && !t.backPressure(raw) {
			t.transitionToConnectedAndDrain()
		}

		t.bus.Publish(raw)
	}
}

// transitionToConnectedAndDrain moves back to connected after a
// successful round-trip clears throttling, then flushes the outbound
// buffer in FIFO order over the still-live socket.
func (t *Transport) transitionToConnectedAndDrain() {
	t.mu.Lock()
	t.transitionLocked(StateConnected)
	socket := t.socket
	t.mu.Unlock()

	t.drainBuffer(socket)
}

// drainBuffer flushes the outbound buffer in FIFO order. Stops (and
// begins reconnecting) on the first write failure, leaving the remaining
// entries buffered for replay once reconnected.
func (t *Transport) drainBuffer(socket Socket) {
	for {
		t.mu.Lock()
		if len(t.outbound) == 0 {
			if t.state == StateBufferFull {
				t.transitionLocked(t.preFullState)
			}
			t.mu.Unlock()
			return
		}
		raw := t.outbound[0]
		t.mu.Unlock()

		if err := t.writeToSocket(socket, raw); err != nil {
			t.handleSocketFailure(socket, err)
			return
		}

		t.mu.Lock()
		t.outbound = t.outbound[1:]
		if t.state == StateBufferFull && len(t.outbound) < t.bufferSize {
			t.transitionLocked(t.preFullState)
		}
		t.mu.Unlock()
	}
}

// handleSocketFailure transitions into reconnecting (or disconnected, if
// reconnect is disabled or the close code is non-retryable) and begins
// the reconnect loop at most once per failed socket.
func (t *Transport) handleSocketFailure(socket Socket, err error) {
	t.mu.Lock()
	if t.closed || t.socket != socket {
		t.mu.Unlock()
		return
	}
	t.socket = nil
	alreadyReconnecting := t.state == StateReconnecting
	t.mu.Unlock()

	retryable := IsRetryableCloseError(err)
	if !t.reconnectEnabled || !retryable {
		t.disconnectPermanently()
		return
	}
	if alreadyReconnecting {
		return
	}

	t.setState(StateReconnecting)
	t.wg.Add(1)
	go t.reconnectLoop()
}

// reconnectLoop retries t.dial with the configured backoff schedule until
// it succeeds, the retry budget is exhausted, or the transport is closed.
func (t *Transport) reconnectLoop() {
	defer t.wg.Done()

	for attempt := 1; ; attempt++ {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}

		if t.backoff.exhausted(attempt) {
			t.disconnectPermanently()
			return
		}

		// Unlike a health-probe watcher that tries once immediately, a
		// reconnect loop is entered only after a failure was just
		// observed, so every attempt — including the first — waits out
		// the backoff delay first.
		if !t.sleep(t.backoff.delayForAttempt(attempt)) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		socket, err := t.dial(ctx)
		cancel()
		if err != nil {
			t.errSink.OnConnectionError(fmt.Errorf("transport: reconnect attempt %d: %w", attempt, err))
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			socket.Close()
			return
		}
		t.socket = socket
		t.mu.Unlock()

		t.setState(StateConnected)
		t.wg.Add(1)
		go t.readLoop(socket)

		t.drainBuffer(socket)
		return
	}
}

// sleep waits for d or until Close is called, matching the teacher's
// connwatch.sleepCtx shape. Returns false if the transport closed first.
func (t *Transport) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.closeCh:
		return false
	}
}
