package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gitshopapp/billing/internal/logging"
)

// Bus fans events out to subscribers in registration order. A panicking subscriber is
// logged and skipped so the caller never sees subscriber failures.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Notifier
	logger      *slog.Logger
	now         func() time.Time
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "event_bus"),
		now:    time.Now,
	}
}

func (b *Bus) Subscribe(n Notifier) {
	if n == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, n)
}

func (b *Bus) Emit(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = b.now().UTC()
	}

	b.mu.RLock()
	subscribers := append([]Notifier(nil), b.subscribers...)
	b.mu.RUnlock()

	for _, subscriber := range subscribers {
		b.deliver(ctx, subscriber, event)
	}
}

func (b *Bus) deliver(ctx context.Context, subscriber Notifier, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx, b.logger).Error("event subscriber panicked",
				"event", event.Name,
				"order_id", event.OrderID,
				"panic", r,
			)
		}
	}()
	subscriber.Emit(ctx, event)
}

// Recorder keeps every event it receives. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Names() []Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]Name, 0, len(r.events))
	for _, event := range r.events {
		names = append(names, event.Name)
	}
	return names
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
