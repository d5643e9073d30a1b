package domain

import "context"

// EventBus defines the interface for event-driven communication.
// Backed by Go channels (community) or NATS (pro).
type EventBus interface {
	// Publish sends a payload to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// EventHandler processes incoming events.
type EventHandler func(ctx context.Context, evt *Event) error

// Event is the envelope carried by the bus.
type Event struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is "channel" or "nats".
	Type string

	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// NATSQueueGroup is shared by every replica's worker so a submitted
	// transaction is scored, and appended to history, exactly once.
	NATSQueueGroup string
}

// Topics of the scoring pipeline.
const (
	TopicTransactionSubmitted = "kestrel.transaction.submitted"
	TopicMessageSubmitted     = "kestrel.message.submitted"
	TopicDecision             = "kestrel.decision"
	TopicAlert                = "kestrel.alert"
	TopicMessageScored        = "kestrel.message.scored"
)

// IsWorkTopic reports whether events on topic are work items, consumed by
// one subscriber per queue group, rather than broadcast notifications.
func IsWorkTopic(topic string) bool {
	return topic == TopicTransactionSubmitted || topic == TopicMessageSubmitted
}
