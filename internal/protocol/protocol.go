// Package protocol defines the wire envelope (Adaptable) that flows over
// the multiplexed connection and the classification keys the bus uses to
// route it. The package treats domain semantics (things, features,
// policies) as opaque JSON and only extracts the handful of classification
// fields spec.md calls out: topic group/channel/criterion/searchAction,
// the correlation header, and a search subscription id.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Channel identifies which of the protocol's logical channels a topic
// belongs to.
type Channel string

// Channels recognised by the classifiers in this package.
const (
	ChannelTwin Channel = "twin"
	ChannelLive Channel = "live"
)

// Criterion identifies the kind of traffic on a channel: commands,
// events, messages, or search actions.
type Criterion string

// Criteria recognised by the classifiers in this package.
const (
	CriterionCommands Criterion = "commands"
	CriterionEvents   Criterion = "events"
	CriterionMessages Criterion = "messages"
	CriterionSearch   Criterion = "search"
	CriterionErrors   Criterion = "errors"
)

// SearchAction identifies the pull-protocol action carried by a search
// topic, per spec.md §4.2 / §6.
type SearchAction string

// Search actions the driver understands.
const (
	SearchActionCreated SearchAction = "created"
	SearchActionRequest SearchAction = "request"
	SearchActionCancel  SearchAction = "cancel"
	SearchActionHasNext SearchAction = "hasNext"
	SearchActionComplete SearchAction = "complete"
	SearchActionFailed  SearchAction = "failed"
)

// TopicPath is the parsed topic of an Adaptable.
type TopicPath struct {
	Namespace    string       `json:"namespace,omitempty"`
	EntityName   string       `json:"entityName,omitempty"`
	Group        string       `json:"group"`
	Channel      Channel      `json:"channel"`
	Criterion    Criterion    `json:"criterion"`
	SearchAction SearchAction `json:"searchAction,omitempty"`
}

// searchSubscriptionField is the payload key carrying a search
// subscription id, shared by created/hasNext/complete/failed frames.
const searchSubscriptionField = "subscriptionId"

// Headers carries protocol headers. Only CorrelationID is interpreted by
// the core; every other header is opaque.
type Headers map[string]string

// CorrelationID returns the correlation-id header, if present.
func (h Headers) CorrelationID() (string, bool) {
	v, ok := h["correlation-id"]
	return v, ok
}

// WithCorrelationID returns a copy of h with the correlation-id header set.
func (h Headers) WithCorrelationID(id string) Headers {
	out := make(Headers, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	out["correlation-id"] = id
	return out
}

// Payload wraps the arbitrary JSON value carried by an Adaptable.
type Payload struct {
	Value json.RawMessage `json:"value,omitempty"`
}

// Adaptable is the parsed, typed wire envelope. It is opaque to the bus
// and the search driver except via the accessors below.
type Adaptable struct {
	Topic   TopicPath `json:"topic"`
	Headers Headers   `json:"headers,omitempty"`
	Payload Payload   `json:"payload,omitempty"`
}

// SearchSubscriptionIDIfPresent extracts the subscription id carried by a
// search-criterion frame's payload, if any. This is the
// "topicPath.searchSubscriptionIdIfPresent()" accessor of spec.md §6.
func (a *Adaptable) SearchSubscriptionIDIfPresent() (string, bool) {
	if a == nil || a.Topic.Criterion != CriterionSearch {
		return "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(a.Payload.Value, &fields); err != nil {
		return "", false
	}
	raw, ok := fields[searchSubscriptionField]
	if !ok {
		return "", false
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", false
	}
	return id, true
}

// RemoteError extracts a server-reported error from a "failed" or
// "errors" criterion frame's payload. The payload is expected to carry a
// "message" string field; any other shape yields a generic error
// constructed from the raw payload.
func (a *Adaptable) RemoteError() error {
	if a == nil {
		return fmt.Errorf("protocol: nil frame")
	}
	var body struct {
		Message string `json:"message"`
		Status  int    `json:"status,omitempty"`
	}
	if err := json.Unmarshal(a.Payload.Value, &body); err == nil && body.Message != "" {
		if body.Status != 0 {
			return fmt.Errorf("remote failure (status %d): %s", body.Status, body.Message)
		}
		return fmt.Errorf("remote failure: %s", body.Message)
	}
	return fmt.Errorf("remote failure: %s", string(a.Payload.Value))
}

// FrameParser parses a raw inbound string into an Adaptable. Parse
// failures are non-fatal to the bus: they are logged and the message is
// dropped.
type FrameParser func(raw string) (*Adaptable, error)

// ParseAdaptable is the default FrameParser: the wire format is plain
// JSON matching Adaptable's field layout.
func ParseAdaptable(raw string) (*Adaptable, error) {
	var a Adaptable
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("protocol: parse adaptable: %w", err)
	}
	return &a, nil
}

// Encode renders an Adaptable back to its wire form.
func Encode(a *Adaptable) (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("protocol: encode adaptable: %w", err)
	}
	return string(b), nil
}

// ackSuffix is the domain's acknowledgement naming convention for string
// control frames: "TOPIC:ACK" acknowledges "TOPIC".
const ackSuffix = ":ACK"

// IsAck reports whether raw is an acknowledgement-suffixed control frame.
func IsAck(raw string) bool {
	return strings.HasSuffix(raw, ackSuffix)
}

// AckOf returns the acknowledgement string for a control frame request.
func AckOf(request string) string {
	return request + ackSuffix
}

// String control frames recognised by the transport and bus (spec.md §6).
const (
	StartSendLiveEvents   = "START-SEND-LIVE-EVENTS"
	StartSendMessages     = "START-SEND-MESSAGES"
	StartSendLiveCommands = "START-SEND-LIVE-COMMANDS"
)
