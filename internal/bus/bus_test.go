package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/muleguard/internal/domain"
)

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func counter(n *atomic.Int32) domain.MessageHandler {
	return func(context.Context, *domain.Message) error {
		n.Add(1)
		return nil
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		got := make(chan *domain.Message, 1)
		_, err := bus.Subscribe(ctx, tenantID, domain.TopicAnalysisCompleted, func(_ context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, tenantID, domain.TopicAnalysisCompleted, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-got:
			if string(msg.Payload) != "hello" {
				t.Errorf("expected payload 'hello', got '%s'", msg.Payload)
			}
			if msg.TenantID != tenantID || msg.Topic != domain.TopicAnalysisCompleted {
				t.Errorf("unexpected envelope %+v", msg)
			}
			if msg.ID == "" || msg.Timestamp == 0 {
				t.Error("expected message id and timestamp")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		var received1, received2 atomic.Int32
		bus.Subscribe(ctx, "tenant-001", "isolation.topic", counter(&received1))
		bus.Subscribe(ctx, "tenant-002", "isolation.topic", counter(&received2))

		bus.Publish(ctx, "tenant-001", "isolation.topic", []byte("msg1"))

		if !eventually(t, func() bool { return received1.Load() == 1 }) {
			t.Errorf("tenant1 should receive 1 message, got %d", received1.Load())
		}
		time.Sleep(20 * time.Millisecond)
		if received2.Load() != 0 {
			t.Errorf("tenant2 should receive 0 messages, got %d", received2.Load())
		}
	})

	t.Run("AllTenantsWildcard", func(t *testing.T) {
		var all atomic.Int32
		bus.Subscribe(ctx, domain.AllTenants, domain.TopicBatchSubmitted, counter(&all))

		bus.Publish(ctx, "tenant-001", domain.TopicBatchSubmitted, nil)
		bus.Publish(ctx, "tenant-002", domain.TopicBatchSubmitted, nil)

		if !eventually(t, func() bool { return all.Load() == 2 }) {
			t.Errorf("wildcard subscriber should see both tenants, got %d", all.Load())
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := bus.Publish(ctx, "", "topic", []byte("data")); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if err := bus.Publish(ctx, domain.AllTenants, "topic", []byte("data")); err == nil {
			t.Error("expected error when publishing to the wildcard tenant")
		}
		if _, err := bus.Subscribe(ctx, "", "topic", counter(new(atomic.Int32))); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		sub, _ := bus.Subscribe(ctx, tenantID, "unsub.topic", counter(&count))

		bus.Publish(ctx, tenantID, "unsub.topic", []byte("msg1"))
		if !eventually(t, func() bool { return count.Load() == 1 }) {
			t.Fatalf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()
		bus.Publish(ctx, tenantID, "unsub.topic", []byte("msg2"))
		time.Sleep(30 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32
		bus.Subscribe(ctx, tenantID, "multi.topic", counter(&count1))
		bus.Subscribe(ctx, tenantID, "multi.topic", counter(&count2))

		bus.Publish(ctx, tenantID, "multi.topic", []byte("broadcast"))

		if !eventually(t, func() bool { return count1.Load() == 1 && count2.Load() == 1 }) {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, tenantID, domain.TopicRingDetected, counter(new(atomic.Int32)))
		if sub.Topic() != domain.TopicRingDetected {
			t.Errorf("expected topic %q, got %q", domain.TopicRingDetected, sub.Topic())
		}
	})
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()
	ctx := context.Background()

	release := make(chan struct{})
	bus.Subscribe(ctx, "tenant-001", "slow.topic", func(context.Context, *domain.Message) error {
		<-release
		return nil
	})

	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, "tenant-001", "slow.topic", nil); err != nil {
			t.Fatalf("publish must not block or fail: %v", err)
		}
	}
	close(release)

	if bus.Dropped() == 0 {
		t.Error("expected dropped deliveries with a full buffer")
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	bus.Subscribe(ctx, "tenant-001", "close.topic", counter(new(atomic.Int32)))

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
	if err := bus.Publish(ctx, "tenant-001", "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32
	const messageCount = 100

	bus.Subscribe(ctx, "tenant-load", "load.topic", counter(&received))
	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "tenant-load", "load.topic", []byte("msg"))
	}

	if !eventually(t, func() bool { return received.Load() == messageCount }) {
		t.Fatalf("received %d/%d messages", received.Load(), messageCount)
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		tenant, want string
	}{
		{"tenant-001", "muleguard.analysis.completed.tenant-001"},
		{"acme.eu", "muleguard.analysis.completed.acme_eu"},
		{domain.AllTenants, "muleguard.analysis.completed.*"},
	}
	for _, tt := range tests {
		if got := Subject(domain.TopicAnalysisCompleted, tt.tenant); got != tt.want {
			t.Errorf("Subject(%q) = %q, want %q", tt.tenant, got, tt.want)
		}
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()
		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
