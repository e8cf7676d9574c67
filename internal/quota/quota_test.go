package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/muleguard/internal/cache"
)

func TestLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("Disabled", func(t *testing.T) {
		l := NewLimiter(cache.NewLRUCache(10), 0, time.Hour)
		for i := 0; i < 5; i++ {
			if err := l.Allow(ctx, "tenant-001"); err != nil {
				t.Fatalf("disabled limiter must allow, got %v", err)
			}
		}
	})

	t.Run("ExceedsLimit", func(t *testing.T) {
		l := NewLimiter(cache.NewLRUCache(10), 2, time.Hour)
		for i := 0; i < 2; i++ {
			if err := l.Allow(ctx, "tenant-001"); err != nil {
				t.Fatalf("call %d: unexpected error %v", i+1, err)
			}
		}
		if err := l.Allow(ctx, "tenant-001"); !errors.Is(err, ErrQuotaExceeded) {
			t.Errorf("expected ErrQuotaExceeded, got %v", err)
		}
		if err := l.Allow(ctx, "tenant-002"); err != nil {
			t.Errorf("other tenants keep their own quota, got %v", err)
		}
	})

	t.Run("WindowResets", func(t *testing.T) {
		l := NewLimiter(cache.NewLRUCache(10), 1, 50*time.Millisecond)
		_ = l.Allow(ctx, "tenant-001")
		if err := l.Allow(ctx, "tenant-001"); !errors.Is(err, ErrQuotaExceeded) {
			t.Fatalf("expected ErrQuotaExceeded, got %v", err)
		}
		time.Sleep(80 * time.Millisecond)
		if err := l.Allow(ctx, "tenant-001"); err != nil {
			t.Errorf("expected fresh window, got %v", err)
		}
	})

	t.Run("RequiresTenant", func(t *testing.T) {
		l := NewLimiter(cache.NewLRUCache(10), 1, time.Hour)
		if err := l.Allow(ctx, ""); err == nil {
			t.Error("expected error for empty tenant")
		}
	})
}
