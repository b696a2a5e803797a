// Package workflow validates and applies order and subscription status transitions.
package workflow

import (
	"context"
	"fmt"

	"github.com/gitshopapp/billing/internal/events"
	"github.com/gitshopapp/billing/internal/models"
)

// ErrInvalidStatusTransition is returned by Proceed and by guarded store updates.
var ErrInvalidStatusTransition = models.ErrInvalidStatusTransition

// Stateful is anything with a status governed by the machine.
type Stateful interface {
	OrderID() int64
	OrderType() models.OrderType
	CurrentStatus() models.OrderStatus
	SetStatus(status models.OrderStatus)
}

type Transition struct {
	Event     Event
	OrderID   int64
	OrderType models.OrderType
	From      models.OrderStatus
	To        models.OrderStatus
}

// Machine applies transitions from per-type tables. It does not persist.
type Machine struct {
	tables   map[models.OrderType]Table
	notifier events.Notifier
}

// NewMachine returns a machine with the order and subscription tables. A nil
// notifier drops notifications.
func NewMachine(notifier events.Notifier) *Machine {
	if notifier == nil {
		notifier = events.Noop()
	}
	return &Machine{
		tables: map[models.OrderType]Table{
			models.TypeOrder:        OrderTransitions(),
			models.TypeSubscription: SubscriptionTransitions(),
		},
		notifier: notifier,
	}
}

// Next returns the status event would move subject to, without changing it.
func (m *Machine) Next(event Event, subject Stateful) (models.OrderStatus, error) {
	table, ok := m.tables[subject.OrderType()]
	if !ok {
		return "", fmt.Errorf("%w: %s orders have no transitions", ErrInvalidStatusTransition, subject.OrderType())
	}
	current := subject.CurrentStatus()
	to, ok := table.next(event, current)
	if !ok {
		return "", fmt.Errorf("%w: %s not allowed from %s", ErrInvalidStatusTransition, event, current)
	}
	return to, nil
}

// Can reports whether event is allowed from subject's current status.
func (m *Machine) Can(event Event, subject Stateful) bool {
	_, err := m.Next(event, subject)
	return err == nil
}

// Proceed validates event against subject's status, sets the new status and emits
// the change. A rejected event leaves subject untouched and emits nothing.
func (m *Machine) Proceed(ctx context.Context, event Event, subject Stateful) (Transition, error) {
	to, err := m.Next(event, subject)
	if err != nil {
		return Transition{}, err
	}

	transition := Transition{
		Event:     event,
		OrderID:   subject.OrderID(),
		OrderType: subject.OrderType(),
		From:      subject.CurrentStatus(),
		To:        to,
	}
	subject.SetStatus(to)
	m.Notify(ctx, transition)
	return transition, nil
}

// Notify emits the notifications for an applied transition.
func (m *Machine) Notify(ctx context.Context, t Transition) {
	base := events.Event{
		OrderID:   t.OrderID,
		OrderType: t.OrderType,
		From:      t.From,
		To:        t.To,
		Trigger:   string(t.Event),
	}

	changed := base
	changed.Name = events.PaymentStatusChanged
	m.notifier.Emit(ctx, changed)

	status := base
	status.Name = events.StatusName(t.To)
	m.notifier.Emit(ctx, status)
}
