package protocol

import "encoding/json"

// EncodeSearchQuery builds the outbound initial search request a client
// sends to open a pull search session. query is the domain-specific
// search criteria, carried opaquely as the frame payload; the server's
// eventual response is a "created" frame on the same criterion carrying
// the correlation id and a server-assigned subscription id.
func EncodeSearchQuery(query any, correlationID string) (string, error) {
	payload, err := json.Marshal(query)
	if err != nil {
		return "", err
	}
	a := &Adaptable{
		Topic: TopicPath{
			Group:     "things",
			Channel:   ChannelTwin,
			Criterion: CriterionSearch,
		},
		Headers: Headers{}.WithCorrelationID(correlationID),
		Payload: Payload{Value: payload},
	}
	return Encode(a)
}

// EncodeRequestFrom builds the outbound "request-from" frame a search
// session sends to ask the server for more pages (spec.md §4.2, §6).
func EncodeRequestFrom(subscriptionID string, demand int64, correlationID string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		searchSubscriptionField: subscriptionID,
		"demand":                demand,
	})
	if err != nil {
		return "", err
	}
	a := &Adaptable{
		Topic: TopicPath{
			Group:        "things",
			Channel:      ChannelTwin,
			Criterion:    CriterionSearch,
			SearchAction: SearchActionRequest,
		},
		Headers: Headers{}.WithCorrelationID(correlationID),
		Payload: Payload{Value: payload},
	}
	return Encode(a)
}

// EncodeCancel builds the outbound "cancel" frame a search session sends
// to tear down its server-side subscription.
func EncodeCancel(subscriptionID string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		searchSubscriptionField: subscriptionID,
	})
	if err != nil {
		return "", err
	}
	a := &Adaptable{
		Topic: TopicPath{
			Group:        "things",
			Channel:      ChannelTwin,
			Criterion:    CriterionSearch,
			SearchAction: SearchActionCancel,
		},
		Payload: Payload{Value: payload},
	}
	return Encode(a)
}
