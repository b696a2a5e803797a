// Package services orchestrates the billing workflows: order calculation and status
// changes, the subscription lifecycle, the refund ledger and payment outcomes.
package services

import (
	"context"
	"log/slog"

	"github.com/getsentry/sentry-go"

	"github.com/gitshopapp/billing/internal/billing"
	"github.com/gitshopapp/billing/internal/db"
	"github.com/gitshopapp/billing/internal/events"
	"github.com/gitshopapp/billing/internal/models"
	"github.com/gitshopapp/billing/internal/payments"
	"github.com/gitshopapp/billing/internal/tax"
	"github.com/gitshopapp/billing/internal/workflow"
)

// Deps are the collaborators shared by the billing services.
type Deps struct {
	Store    db.Store
	Engine   *tax.Engine
	Tax      models.TaxSettings
	Calendar *billing.Calendar
	Notifier events.Notifier
	Machine  *workflow.Machine
	Locker   *workflow.Locker
	Gateways *payments.Registry
	// AutoRenewalPayments disables automatic renewal charges when false.
	AutoRenewalPayments bool
	Logger              *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Engine == nil {
		d.Engine = tax.NewEngine(tax.NewTable(nil), tax.DefaultPolicy())
	}
	if d.Calendar == nil {
		d.Calendar = billing.NewCalendar(nil, nil)
	}
	if d.Notifier == nil {
		d.Notifier = events.Noop()
	}
	if d.Machine == nil {
		d.Machine = workflow.NewMachine(d.Notifier)
	}
	if d.Locker == nil {
		d.Locker = workflow.NewLocker()
	}
	if d.Gateways == nil {
		d.Gateways = payments.NewRegistry(payments.ManualGateway{})
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

func startSpan(ctx context.Context, opName, name, description string) *sentry.Span {
	return sentry.StartSpan(
		ctx,
		name,
		sentry.WithOpName(opName),
		sentry.WithDescription(description),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
}

// applyTransition validates event for subject and moves the stored status with a
// compare-and-set. subject is updated only when the store accepts the change.
func applyTransition(ctx context.Context, store db.Store, machine *workflow.Machine, event workflow.Event, subject workflow.Stateful) (workflow.Transition, error) {
	to, err := machine.Next(event, subject)
	if err != nil {
		return workflow.Transition{}, err
	}
	from := subject.CurrentStatus()
	if err := store.UpdateStatus(ctx, subject.OrderID(), from, to); err != nil {
		return workflow.Transition{}, err
	}
	subject.SetStatus(to)
	return workflow.Transition{
		Event:     event,
		OrderID:   subject.OrderID(),
		OrderType: subject.OrderType(),
		From:      from,
		To:        to,
	}, nil
}
