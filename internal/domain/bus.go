package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID; AllTenants subscribes across tenants.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AllTenants is the wildcard tenant used by subscribers that serve every tenant.
const AllTenants = "*"

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
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
	Type string `json:"type" koanf:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize" koanf:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl" koanf:"nats_url"`
	NATSToken         string `json:"-" koanf:"nats_token"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" koanf:"nats_max_reconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" koanf:"nats_reconnect_wait"` // seconds
}

// Topics used by the analysis pipeline.
const (
	TopicBatchSubmitted    = "muleguard.batch.submitted"
	TopicAnalysisCompleted = "muleguard.analysis.completed"
	TopicRingDetected      = "muleguard.ring.detected"
)
