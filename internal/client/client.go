// Package client provides the thin façades (TwinHandle, LiveHandle,
// SearchHandle) spec.md §1 describes as sitting on top of the three core
// components. It wires a bus, a transport, and the search driver's
// dispatcher together the way a real caller would, and is where the
// string control frames of spec.md §6 are actually sent.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhub/twinlink/internal/bus"
	"github.com/kestrelhub/twinlink/internal/config"
	"github.com/kestrelhub/twinlink/internal/protocol"
	"github.com/kestrelhub/twinlink/internal/search"
	"github.com/kestrelhub/twinlink/internal/transport"
)

// Client composes the bus, the transport, and the configuration a
// twinlink caller needs to drive the core end-to-end.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *bus.Bus
	tr     *transport.Transport
}

// New builds a Client around dial. The bus is wired with the default
// classifier chain (correlation, search, streaming) and the transport is
// configured from cfg. Call Start before using any handle.
func New(cfg *config.Config, dial transport.Dialer, opts ...Option) *Client {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Client{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}

	b := bus.New(protocol.ParseAdaptable,
		bus.WithLogger(c.logger),
		bus.WithQueueSize(cfg.Bus.QueueSize),
		bus.WithWorkerLimit(cfg.Bus.WorkerLimit),
	)
	b.AddFrameClassifier(protocol.CorrelationFrameClassifier)
	b.AddFrameClassifier(protocol.SearchFrameClassifier)
	b.AddFrameClassifier(protocol.StreamingFrameClassifier)

	trOpts := []transport.Option{
		transport.WithLogger(c.logger),
		transport.WithReconnectEnabled(cfg.Connection.ReconnectEnabled),
		transport.WithBackoff(toTransportBackoff(cfg.Backoff)),
	}
	if cfg.Buffer.Enabled == nil || *cfg.Buffer.Enabled {
		trOpts = append(trOpts, transport.WithBufferSize(cfg.Buffer.Size))
	}
	tr := transport.New(dial, b, trOpts...)

	c.bus = b
	c.tr = tr
	return c
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger overrides the client's (and its bus's and transport's)
// logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func toTransportBackoff(b config.BackoffConfig) transport.BackoffConfig {
	return transport.BackoffConfig{
		InitialDelay: b.InitialDelay,
		MaxDelay:     b.MaxDelay,
		Multiplier:   b.Multiplier,
		MaxRetries:   b.MaxRetries,
	}
}

// Start dials the connection and begins dispatch.
func (c *Client) Start(ctx context.Context) error {
	return c.tr.Start(ctx)
}

// Close shuts the transport and the bus down.
func (c *Client) Close() error {
	err := c.tr.Close()
	c.bus.Shutdown()
	return err
}

// Twin returns the façade over twin-channel command invocation and event
// subscription.
func (c *Client) Twin() *TwinHandle {
	return &TwinHandle{bus: c.bus, tr: c.tr, timeout: c.cfg.Connection.RequestTimeout}
}

// Live returns the façade over the live channel's control-frame-gated
// command/event/message streams.
func (c *Client) Live() *LiveHandle {
	return &LiveHandle{bus: c.bus, tr: c.tr, timeout: c.cfg.Connection.RequestTimeout}
}

// Search returns the façade that opens search sessions. dispatcher is the
// externally owned single-thread worker each opened session's frame
// handling and Request/Cancel calls run on (spec.md §4.2/§9); pass
// search.NewSerialDispatcher for a dedicated worker per caller, or share
// one across sessions that should serialize with each other.
func (c *Client) Search(dispatcher search.Dispatcher) *SearchHandle {
	return &SearchHandle{
		bus:            c.bus,
		tr:             c.tr,
		dispatcher:     dispatcher,
		requestTimeout: c.cfg.Connection.RequestTimeout,
		idleTimeout:    c.cfg.Search.IdleTimeout,
	}
}

// sendControlFrame sends raw and waits for its ":ACK" response, matching
// spec.md §6's "string protocol control frames" rule: the bus's identity
// string-classifier routes both the request and its ack, so the ack is
// awaited under IdentityKey(AckOf(raw)).
func sendControlFrame(ctx context.Context, b *bus.Bus, tr *transport.Transport, raw string, timeout time.Duration) error {
	fut, err := b.SubscribeOnceForString(protocol.IdentityKey(protocol.AckOf(raw)), timeout)
	if err != nil {
		return fmt.Errorf("client: subscribe for ack of %q: %w", raw, err)
	}
	if err := tr.Send(raw); err != nil {
		return fmt.Errorf("client: send %q: %w", raw, err)
	}
	if _, err := fut.Wait(ctx); err != nil {
		return fmt.Errorf("client: await ack of %q: %w", raw, err)
	}
	return nil
}

func newCorrelationID() string { return uuid.NewString() }

// marshalPayload encodes v as a frame payload. A nil v marshals to an
// empty JSON object rather than the literal "null", since a payload-less
// command still needs a valid (if empty) payload.value.
func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
