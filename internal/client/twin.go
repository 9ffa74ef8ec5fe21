package client

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelhub/twinlink/internal/bus"
	"github.com/kestrelhub/twinlink/internal/protocol"
	"github.com/kestrelhub/twinlink/internal/transport"
)

// TwinHandle is the thin façade over twin-channel command invocation and
// event subscription (spec.md §1).
type TwinHandle struct {
	bus     *bus.Bus
	tr      *transport.Transport
	timeout time.Duration
}

// InvokeCommand sends a twin command to entityName in group and waits for
// the correlated response, or for ctx/the configured request timeout to
// expire. payload is marshalled as the frame's opaque JSON payload.
func (h *TwinHandle) InvokeCommand(ctx context.Context, group, entityName string, payload any) (*protocol.Adaptable, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("client: marshal command payload: %w", err)
	}

	correlationID := newCorrelationID()
	raw, err := protocol.Encode(&protocol.Adaptable{
		Topic: protocol.TopicPath{
			Group:      group,
			EntityName: entityName,
			Channel:    protocol.ChannelTwin,
			Criterion:  protocol.CriterionCommands,
		},
		Headers: protocol.Headers{}.WithCorrelationID(correlationID),
		Payload: protocol.Payload{Value: body},
	})
	if err != nil {
		return nil, fmt.Errorf("client: encode command: %w", err)
	}

	fut, err := h.tr.Submit(protocol.CorrelationKey(correlationID), raw, h.timeout)
	if err != nil {
		return nil, fmt.Errorf("client: submit command: %w", err)
	}
	return fut.Wait(ctx)
}

// SubscribeEvents registers callback to receive every twin event frame
// until the returned subscription is cancelled via Unsubscribe.
func (h *TwinHandle) SubscribeEvents(callback func(*protocol.Adaptable)) bus.SubscriptionID {
	return h.bus.SubscribeForFrame(protocol.StreamingKey(protocol.TwinEvent), callback)
}

// Unsubscribe tears down a subscription returned by SubscribeEvents.
func (h *TwinHandle) Unsubscribe(id bus.SubscriptionID) bool {
	return h.bus.Unsubscribe(id)
}
