// Package bus carries analysis jobs and alerts between muleguard components.
package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/muleguard/internal/domain"
)

// New creates the event bus for the configured tier:
//   - channel: in-process Go channels (community)
//   - nats: NATS subjects (pro)
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

func newMessage(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  map[string]string{},
		Timestamp: time.Now().UnixNano(),
	}
}
