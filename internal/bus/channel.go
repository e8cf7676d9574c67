package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opensource-finance/muleguard/internal/domain"
)

// ChannelBus is the in-process event bus of the community tier.
// Each subscription owns a buffered channel drained by one goroutine; when the
// buffer is full the message is dropped for that subscriber.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	subs       map[string]map[string]*channelSubscription // topic -> id -> sub
	closed     bool
	dropped    atomic.Int64
}

type channelSubscription struct {
	bus      *ChannelBus
	id       string
	tenantID string
	topic    string
	handler  domain.MessageHandler
	msgCh    chan *domain.Message
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewChannelBus creates a channel bus with the given per-subscriber buffer.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		subs:       make(map[string]map[string]*channelSubscription),
	}
}

// Publish delivers to subscribers of the topic for this tenant and to
// subscribers registered with domain.AllTenants.
func (b *ChannelBus) Publish(_ context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" || tenantID == domain.AllTenants {
		return fmt.Errorf("a concrete tenantID is required")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	msg := newMessage(tenantID, topic, payload)
	for _, sub := range b.subs[topic] {
		if sub.tenantID != tenantID && sub.tenantID != domain.AllTenants {
			continue
		}
		select {
		case sub.msgCh <- msg:
		default:
			b.dropped.Add(1)
			slog.Warn("subscriber buffer full, message dropped",
				"topic", topic,
				"tenant_id", tenantID,
				"subscription_id", sub.id,
			)
		}
	}
	return nil
}

// Subscribe starts a handler goroutine. The handler stops when ctx is
// cancelled, the subscription is removed, or the bus is closed.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		bus:      b,
		id:       uuid.NewString(),
		tenantID: tenantID,
		topic:    topic,
		handler:  handler,
		msgCh:    make(chan *domain.Message, b.bufferSize),
		ctx:      subCtx,
		cancel:   cancel,
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*channelSubscription)
	}
	b.subs[topic][sub.id] = sub

	go sub.run()
	return sub, nil
}

func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.msgCh:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("handler error",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *ChannelBus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close stops every subscription. It is safe to call more than once.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, byID := range b.subs {
		for _, sub := range byID {
			sub.cancel()
		}
	}
	b.subs = make(map[string]map[string]*channelSubscription)
	return nil
}

func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.mu.Lock()
	delete(s.bus.subs[s.topic], s.id)
	s.bus.mu.Unlock()
	return nil
}

func (s *channelSubscription) Topic() string {
	return s.topic
}
