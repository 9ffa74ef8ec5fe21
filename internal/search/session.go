package search

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhub/twinlink/internal/bus"
	"github.com/kestrelhub/twinlink/internal/protocol"
)

// Sentinel errors for the search-session error kinds of spec.md §7 that
// this package itself can raise. Timeout reuses bus.ErrTimeout: an idle
// search subscription and an idle bus subscription are the same failure.
var (
	// ErrIllegalDemand is surfaced when Request is called with n <= 0.
	ErrIllegalDemand = errors.New("search: illegal demand")

	// ErrUnexpectedSignal is surfaced when a frame routed to a session
	// carries a search action the driver does not understand.
	ErrUnexpectedSignal = errors.New("search: unexpected signal")
)

// Subscriber is the reactive-streams-style downstream of a search session.
type Subscriber interface {
	// OnSubscribe is called exactly once, before any other method, with
	// the Subscription the downstream uses to drive demand.
	OnSubscribe(sub Subscription)
	// OnNext delivers one page of results.
	OnNext(page *protocol.Adaptable)
	// OnComplete signals normal completion. Called at most once, and
	// never after OnError.
	OnComplete()
	// OnError signals terminal failure. Called at most once, and never
	// after OnComplete.
	OnError(err error)
}

// Subscription is the handle a Subscriber uses to request more items or
// cancel the session.
type Subscription interface {
	// Request asks the server for n more items. n <= 0 is an illegal
	// demand: it terminates the session with ErrIllegalDemand.
	Request(n int64)
	// Cancel idempotently tears down the session.
	Cancel()
}

// Sender is the outbound path a session uses to emit request-from and
// cancel frames. internal/transport's Transport satisfies this.
type Sender interface {
	Send(raw string) error
}

// Session drives one server-side pull search subscription, translating
// hasNext/complete/failed frames into Subscriber callbacks (spec.md §4.2).
// All session-owned state is mutated only from the session's Dispatcher,
// which is supplied by and owned by the caller (spec.md §9): the session
// never starts or stops it.
type Session struct {
	bus         *bus.Bus
	dispatcher  Dispatcher
	sender      Sender
	idleTimeout time.Duration
	logger      *slog.Logger

	subscriptionID string
	busSubID       bus.SubscriptionID
	subscriber     Subscriber
	terminal       bool
}

// Option configures a Session at construction.
type Option func(*Session)

// WithLogger overrides the session's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSession creates a session ready to Start. b is the bus the session's
// inbound frames arrive on; dispatcher is the externally owned per-session
// single-thread worker; sender is the outbound path for request-from and
// cancel frames; idleTimeout is the idle window passed to the bus
// subscription Start wires up.
func NewSession(b *bus.Bus, dispatcher Dispatcher, sender Sender, idleTimeout time.Duration, opts ...Option) *Session {
	s := &Session{
		bus:         b,
		dispatcher:  dispatcher,
		sender:      sender,
		idleTimeout: idleTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start records the server-assigned subscription id carried by the
// "created" frame, notifies subscriber via OnSubscribe, and wires the
// session's idle-timeout-guarded bus subscription. It must be called
// exactly once, before the session's subscription id can receive any
// further frames.
func (s *Session) Start(created *protocol.Adaptable, subscriber Subscriber) error {
	id, ok := created.SearchSubscriptionIDIfPresent()
	if !ok || id == "" {
		return fmt.Errorf("search: created frame carries no subscription id")
	}
	s.subscriptionID = id
	s.subscriber = subscriber

	subscriber.OnSubscribe(s)

	s.busSubID = s.bus.SubscribeForFrameWithIdleTimeout(
		protocol.SearchKey(id),
		s.idleTimeout,
		s.onBusFrame,
		isTerminalSearchFrame,
		s.onIdleTimeout,
	)
	return nil
}

// onBusFrame is the callback registered with the bus. Search keys are
// mustBeSequential, so the bus invokes this inline on its single dispatch
// goroutine; we hop it onto the session's own dispatcher so that frame
// handling, Request, and Cancel are all serialised on one thread (spec.md
// §4.2's "inside the session's single-thread dispatcher").
func (s *Session) onBusFrame(frame *protocol.Adaptable) {
	s.dispatcher.Submit(func() { s.handleFrame(frame) })
}

func (s *Session) onIdleTimeout(err error) {
	s.dispatcher.Submit(func() { s.handleIdleTimeout(err) })
}

func (s *Session) handleFrame(frame *protocol.Adaptable) {
	if s.terminal {
		return
	}
	// A panic out of a Subscriber callback (OnNext, most notably) must
	// cancel the session rather than crash the dispatcher goroutine
	// (spec.md §4.2: "a thrown exception ... cancels the session"). If
	// terminal is already true by the time this fires, a terminal
	// callback (OnComplete/OnError) panicked instead; swallow it rather
	// than risk a second downstream signal.
	defer func() {
		if r := recover(); r != nil {
			if s.terminal {
				s.logger.Error("search: subscriber callback panicked after termination", "panic", r, "subscriptionId", s.subscriptionID)
				return
			}
			s.terminal = true
			s.bus.Unsubscribe(s.busSubID)
			s.logger.Error("search: subscriber callback panicked", "panic", r, "subscriptionId", s.subscriptionID)
			s.subscriber.OnError(fmt.Errorf("search: subscriber panic: %v", r))
		}
	}()
	switch frame.Topic.SearchAction {
	case protocol.SearchActionHasNext:
		s.subscriber.OnNext(frame)
	case protocol.SearchActionComplete:
		// The bus removes the subscription itself once this callback
		// returns (terminationPred matches this frame); no outbound
		// cancel is sent.
		s.terminal = true
		s.subscriber.OnComplete()
	case protocol.SearchActionFailed:
		s.terminal = true
		s.subscriber.OnError(frame.RemoteError())
	default:
		s.terminal = true
		s.bus.Unsubscribe(s.busSubID)
		s.subscriber.OnError(ErrUnexpectedSignal)
	}
}

func (s *Session) handleIdleTimeout(err error) {
	if s.terminal {
		return
	}
	// The bus already removed the timed-out subscription; no outbound
	// cancel is sent, per spec.md §4.2.
	s.terminal = true
	s.subscriber.OnError(err)
}

// Request implements Subscription. It hops onto the session dispatcher.
func (s *Session) Request(n int64) {
	s.dispatcher.Submit(func() { s.doRequest(n) })
}

func (s *Session) doRequest(n int64) {
	if s.terminal {
		return
	}
	if n <= 0 {
		s.terminal = true
		s.bus.Unsubscribe(s.busSubID)
		s.subscriber.OnError(ErrIllegalDemand)
		return
	}
	raw, err := protocol.EncodeRequestFrom(s.subscriptionID, n, uuid.NewString())
	if err != nil {
		s.logger.Error("search: encode request-from failed", "error", err, "subscriptionId", s.subscriptionID)
		return
	}
	if err := s.sender.Send(raw); err != nil {
		s.terminal = true
		s.bus.Unsubscribe(s.busSubID)
		s.subscriber.OnError(fmt.Errorf("search: send request-from: %w", err))
	}
}

// Cancel implements Subscription. It is idempotent and causes at most one
// outbound cancel frame.
func (s *Session) Cancel() {
	s.dispatcher.Submit(s.doCancel)
}

func (s *Session) doCancel() {
	if s.terminal {
		return
	}
	s.terminal = true
	s.bus.Unsubscribe(s.busSubID)

	raw, err := protocol.EncodeCancel(s.subscriptionID)
	if err != nil {
		s.logger.Error("search: encode cancel failed", "error", err, "subscriptionId", s.subscriptionID)
		return
	}
	if err := s.sender.Send(raw); err != nil {
		s.logger.Warn("search: send cancel failed", "error", err, "subscriptionId", s.subscriptionID)
	}
}

func isTerminalSearchFrame(frame *protocol.Adaptable) bool {
	return frame.Topic.SearchAction == protocol.SearchActionComplete || frame.Topic.SearchAction == protocol.SearchActionFailed
}
