package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Single-process deployments use Go channels; multi-instance
// deployments use NATS so cache invalidations reach every node.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topics published by the engine.
const (
	// TopicTransactionRecorded fires after a transaction is persisted.
	// Consumers clear the instrument's spend cache.
	TopicTransactionRecorded = "talon.transaction.recorded"

	// TopicRuleChanged fires after any successful rule mutation.
	// Consumers clear the affected product's rule cache (an empty
	// product id means the whole rule cache).
	TopicRuleChanged = "talon.rule.changed"
)

// TransactionRecordedEvent is the payload for TopicTransactionRecorded.
type TransactionRecordedEvent struct {
	TransactionID string  `json:"transactionId"`
	InstrumentID  string  `json:"instrumentId"`
	ProductID     string  `json:"productId"`
	Amount        float64 `json:"amount"`
	BonusPoints   int64   `json:"bonusPoints"`
}

// RuleChangedEvent is the payload for TopicRuleChanged.
type RuleChangedEvent struct {
	RuleID string `json:"ruleId"`
	// ProductID is empty for deletions, where the owning product is not
	// known from the rule id alone.
	ProductID string `json:"productId,omitempty"`
	Action    string `json:"action"` // "created", "updated", "deleted"
}
