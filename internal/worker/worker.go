// Package worker runs queued analyses from the event bus.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/muleguard/internal/domain"
)

// Handler processes one batch.submitted message.
type Handler interface {
	HandleSubmitted(ctx context.Context, msg *domain.Message) error
}

// Worker consumes submitted batches and hands them to a Handler, running at
// most Concurrency analyses at a time.
type Worker struct {
	bus     domain.EventBus
	handler Handler

	mu            sync.Mutex
	stopped       bool
	subscriptions []domain.Subscription
	slots         chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs lists the tenants to serve. Empty subscribes for all tenants.
	TenantIDs []string

	// Concurrency bounds in-flight analyses across all tenants. Defaults to 1.
	Concurrency int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, handler Handler) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to batch.submitted for the configured tenants.
func (w *Worker) Start(cfg Config) error {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	w.slots = make(chan struct{}, concurrency)

	if len(cfg.TenantIDs) == 0 {
		if err := w.subscribe(domain.AllTenants); err != nil {
			return err
		}
		slog.Info("worker started for all tenants", "concurrency", concurrency)
		return nil
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.subscribe(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
		"concurrency", concurrency,
	)
	return nil
}

func (w *Worker) subscribe(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicBatchSubmitted, w.dispatch)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Debug("worker subscribed",
		"tenant_id", tenantID,
		"topic", domain.TopicBatchSubmitted,
	)
	return nil
}

// dispatch blocks until a slot is free, then runs the analysis in the background.
func (w *Worker) dispatch(_ context.Context, msg *domain.Message) error {
	select {
	case w.slots <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.slots
		return context.Canceled
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()
		w.process(msg)
	}()
	return nil
}

func (w *Worker) process(msg *domain.Message) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("analysis job panicked",
				"message_id", msg.ID,
				"tenant_id", msg.TenantID,
				"panic", r,
			)
		}
	}()

	if err := w.handler.HandleSubmitted(w.ctx, msg); err != nil {
		slog.Error("analysis job failed",
			"message_id", msg.ID,
			"tenant_id", msg.TenantID,
			"error", err,
		)
		return
	}

	slog.Debug("analysis job done",
		"message_id", msg.ID,
		"tenant_id", msg.TenantID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes, cancels in-flight analyses and waits for them to return.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopped = true
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.cancel()
	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	InFlight          int      `json:"inFlight"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		InFlight:          len(w.slots),
	}
}
