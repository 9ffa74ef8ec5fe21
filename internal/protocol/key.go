package protocol

// StreamingType is one of the four streaming classifications a frame can
// carry on the live or twin channel (spec.md §3).
type StreamingType string

// Streaming types recognised by the bus's default frame classifiers.
const (
	LiveCommand StreamingType = "LIVE_COMMAND"
	LiveEvent   StreamingType = "LIVE_EVENT"
	LiveMessage StreamingType = "LIVE_MESSAGE"
	TwinEvent   StreamingType = "TWIN_EVENT"
)

// keyKind discriminates the variants of Key.
type keyKind uint8

const (
	kindIdentity keyKind = iota
	kindCorrelation
	kindStreaming
	kindSearch
)

// Key is a discriminated classification key identifying a subscription
// target. It is a plain comparable struct so it can be used directly as
// a Go map key — the equivalent of the equality/hash contract spec.md §3
// requires of classification keys.
type Key struct {
	kind  keyKind
	value string
}

// IdentityKey builds a key matching the raw string itself, used for
// acknowledgement and command-channel control frames.
func IdentityKey(raw string) Key { return Key{kind: kindIdentity, value: raw} }

// CorrelationKey builds a key matching a request/response correlation id.
func CorrelationKey(id string) Key { return Key{kind: kindCorrelation, value: id} }

// StreamingKey builds a key matching one of the four streaming types.
func StreamingKey(t StreamingType) Key { return Key{kind: kindStreaming, value: string(t)} }

// SearchKey builds a key matching a server-assigned search subscription id.
func SearchKey(subscriptionID string) Key { return Key{kind: kindSearch, value: subscriptionID} }

// MustBeSequential reports whether deliveries under this key must be
// delivered in order, inline on the dispatcher thread. Search sessions
// are the one class of key that requires this (spec.md §4.1, §9).
func (k Key) MustBeSequential() bool { return k.kind == kindSearch }

// String renders the key for logging.
func (k Key) String() string {
	switch k.kind {
	case kindIdentity:
		return "identity:" + k.value
	case kindCorrelation:
		return "correlation:" + k.value
	case kindStreaming:
		return "streaming:" + k.value
	case kindSearch:
		return "search:" + k.value
	default:
		return "unknown:" + k.value
	}
}

// StringClassifier maps a raw inbound string to a classification key.
// The bus evaluates string-classifiers in insertion order; the first
// classification for which a one-shot string waiter exists wins.
type StringClassifier func(raw string) (Key, bool)

// FrameClassifier maps a parsed frame to a classification key. Unlike
// string-classifiers, every frame-classifier that matches contributes a
// tag: a single frame can carry more than one classification (spec.md
// §4.1 step 4).
type FrameClassifier func(frame *Adaptable) (Key, bool)

// IdentityStringClassifier is the classifier the bus always installs
// first: every raw string classifies as its own identity. It lets a
// one-shot waiter subscribed via identity (e.g. for a "TOPIC:ACK" string)
// match before any ack-suffix heuristic or frame parsing runs.
func IdentityStringClassifier(raw string) (Key, bool) {
	return IdentityKey(raw), true
}

// CorrelationFrameClassifier classifies a frame by its correlation-id
// header, if present.
func CorrelationFrameClassifier(frame *Adaptable) (Key, bool) {
	if frame == nil {
		return Key{}, false
	}
	id, ok := frame.Headers.CorrelationID()
	if !ok || id == "" {
		return Key{}, false
	}
	return CorrelationKey(id), true
}

// SearchFrameClassifier classifies a frame by its search subscription id,
// if the frame carries one.
func SearchFrameClassifier(frame *Adaptable) (Key, bool) {
	id, ok := frame.SearchSubscriptionIDIfPresent()
	if !ok || id == "" {
		return Key{}, false
	}
	return SearchKey(id), true
}

// StreamingFrameClassifier classifies a frame into one of the four
// streaming types by its topic's channel and criterion.
func StreamingFrameClassifier(frame *Adaptable) (Key, bool) {
	if frame == nil {
		return Key{}, false
	}
	switch {
	case frame.Topic.Channel == ChannelLive && frame.Topic.Criterion == CriterionCommands:
		return StreamingKey(LiveCommand), true
	case frame.Topic.Channel == ChannelLive && frame.Topic.Criterion == CriterionEvents:
		return StreamingKey(LiveEvent), true
	case frame.Topic.Channel == ChannelLive && frame.Topic.Criterion == CriterionMessages:
		return StreamingKey(LiveMessage), true
	case frame.Topic.Channel == ChannelTwin && frame.Topic.Criterion == CriterionEvents:
		return StreamingKey(TwinEvent), true
	default:
		return Key{}, false
	}
}

// DefaultFrameClassifiers returns the classifier set a client wires into
// a new Bus: correlation first (command/response pairing takes priority
// over broad streaming fan-out), then search, then streaming type.
func DefaultFrameClassifiers() []FrameClassifier {
	return []FrameClassifier{
		CorrelationFrameClassifier,
		SearchFrameClassifier,
		StreamingFrameClassifier,
	}
}
