package events

import (
	"context"
	"testing"
	"time"

	"github.com/gitshopapp/billing/internal/models"
)

func TestBusDeliversInOrderAndSurvivesPanics(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	var order []string
	bus.Subscribe(NotifierFunc(func(context.Context, Event) { order = append(order, "first") }))
	bus.Subscribe(NotifierFunc(func(context.Context, Event) { panic("boom") }))
	bus.Subscribe(NotifierFunc(func(context.Context, Event) { order = append(order, "third") }))
	bus.Subscribe(nil)

	bus.Emit(context.Background(), Event{Name: PaymentStatusChanged, OrderID: 1})

	if len(order) != 2 || order[0] != "first" || order[1] != "third" {
		t.Fatalf("unexpected delivery order %v", order)
	}
}

func TestBusStampsOccurredAt(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	bus := NewBus(nil)
	bus.now = func() time.Time { return fixed }
	recorder := &Recorder{}
	bus.Subscribe(recorder)

	bus.Emit(context.Background(), Event{Name: RefundCreated})
	bus.Emit(context.Background(), Event{Name: RefundCreated, OccurredAt: fixed.Add(time.Hour)})

	got := recorder.Events()
	if !got[0].OccurredAt.Equal(fixed) {
		t.Fatalf("expected stamped time, got %s", got[0].OccurredAt)
	}
	if !got[1].OccurredAt.Equal(fixed.Add(time.Hour)) {
		t.Fatalf("expected caller time to be kept, got %s", got[1].OccurredAt)
	}
}

func TestRecorder(t *testing.T) {
	t.Parallel()

	recorder := &Recorder{}
	recorder.Emit(context.Background(), Event{Name: StatusName(models.StatusProcessing)})
	recorder.Emit(context.Background(), Event{Name: OrderRefunded})

	names := recorder.Names()
	if len(names) != 2 || names[0] != "status_processing" || names[1] != OrderRefunded {
		t.Fatalf("unexpected names %v", names)
	}
	recorder.Reset()
	if len(recorder.Events()) != 0 {
		t.Fatal("expected recorder to be empty after reset")
	}
}

func TestObserversDoNotPanic(t *testing.T) {
	t.Parallel()

	event := Event{Name: PaymentStatusChanged, OrderID: 3, From: models.StatusPendingPayment, To: models.StatusProcessing}
	LogNotifier(nil).Emit(context.Background(), event)
	MeterNotifier().Emit(context.Background(), event)
	Noop().Emit(context.Background(), event)
}
