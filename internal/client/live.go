package client

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelhub/twinlink/internal/bus"
	"github.com/kestrelhub/twinlink/internal/protocol"
	"github.com/kestrelhub/twinlink/internal/transport"
)

// LiveHandle is the thin façade over the live channel's three
// control-frame-gated streams (spec.md §6): live commands, live events,
// and live messages. Each stream must be armed with its
// "START-SEND-..." control frame, acknowledged by the server, before the
// corresponding streaming-type subscription will see any traffic.
type LiveHandle struct {
	bus     *bus.Bus
	tr      *transport.Transport
	timeout time.Duration
}

// SubscribeLiveEvents arms the live-event stream and registers callback
// to receive every subsequent live event frame.
func (h *LiveHandle) SubscribeLiveEvents(ctx context.Context, callback func(*protocol.Adaptable)) (bus.SubscriptionID, error) {
	if err := sendControlFrame(ctx, h.bus, h.tr, protocol.StartSendLiveEvents, h.timeout); err != nil {
		return bus.SubscriptionID{}, fmt.Errorf("client: arm live events: %w", err)
	}
	return h.bus.SubscribeForFrame(protocol.StreamingKey(protocol.LiveEvent), callback), nil
}

// SubscribeLiveMessages arms the live-message stream and registers
// callback to receive every subsequent live message frame.
func (h *LiveHandle) SubscribeLiveMessages(ctx context.Context, callback func(*protocol.Adaptable)) (bus.SubscriptionID, error) {
	if err := sendControlFrame(ctx, h.bus, h.tr, protocol.StartSendMessages, h.timeout); err != nil {
		return bus.SubscriptionID{}, fmt.Errorf("client: arm live messages: %w", err)
	}
	return h.bus.SubscribeForFrame(protocol.StreamingKey(protocol.LiveMessage), callback), nil
}

// SubscribeLiveCommands arms the live-command stream and registers
// callback to receive every subsequent live command frame.
func (h *LiveHandle) SubscribeLiveCommands(ctx context.Context, callback func(*protocol.Adaptable)) (bus.SubscriptionID, error) {
	if err := sendControlFrame(ctx, h.bus, h.tr, protocol.StartSendLiveCommands, h.timeout); err != nil {
		return bus.SubscriptionID{}, fmt.Errorf("client: arm live commands: %w", err)
	}
	return h.bus.SubscribeForFrame(protocol.StreamingKey(protocol.LiveCommand), callback), nil
}

// Unsubscribe tears down a subscription returned by any Subscribe* method.
// It does not disarm the corresponding control frame; the server keeps
// sending the stream for the lifetime of the connection.
func (h *LiveHandle) Unsubscribe(id bus.SubscriptionID) bool {
	return h.bus.Unsubscribe(id)
}
