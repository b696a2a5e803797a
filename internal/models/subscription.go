package models

import (
	"fmt"
	"time"

	"github.com/gitshopapp/billing/internal/billing"
)

// Subscription is a recurring order. The embedded Order holds the recurring lines and
// totals charged on each renewal.
type Subscription struct {
	Order

	BillingInterval       int            `json:"billing_interval"`
	BillingPeriod         billing.Period `json:"billing_period"`
	Length                int            `json:"length"`
	TrialDays             int            `json:"trial_days"`
	StartDate             time.Time      `json:"start_date"`
	TrialEndDate          time.Time      `json:"trial_end_date"`
	NextPaymentDate       time.Time      `json:"next_payment_date"`
	EndDate               time.Time      `json:"end_date"`
	CancelledDate         time.Time      `json:"cancelled_date"`
	LastPaymentDate       time.Time      `json:"last_payment_date"`
	RequiresManualRenewal bool           `json:"requires_manual_renewal"`
	RelatedOrderIDs       []int64        `json:"related_order_ids"`
}

// NewSubscription returns a pending subscription billed every interval periods.
func NewSubscription(currency string, interval int, period billing.Period) *Subscription {
	order := NewOrder(currency)
	order.Type = TypeSubscription
	order.Status = StatusPendingPayment
	return &Subscription{
		Order:           *order,
		BillingInterval: interval,
		BillingPeriod:   period,
	}
}

func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Order = *s.Order.Clone()
	c.RelatedOrderIDs = append([]int64(nil), s.RelatedOrderIDs...)
	return &c
}

// AddRelatedOrder links an order to the subscription history. It reports false when
// the order is already linked.
func (s *Subscription) AddRelatedOrder(orderID int64) bool {
	for _, id := range s.RelatedOrderIDs {
		if id == orderID {
			return false
		}
	}
	s.RelatedOrderIDs = append(s.RelatedOrderIDs, orderID)
	return true
}

// ValidateDates checks that trial end, next payment and end are in order where set.
func (s *Subscription) ValidateDates() error {
	if !s.TrialEndDate.IsZero() && !s.NextPaymentDate.IsZero() && s.NextPaymentDate.Before(s.TrialEndDate) {
		return fmt.Errorf("next payment date %s is before trial end %s", s.NextPaymentDate.Format(time.RFC3339), s.TrialEndDate.Format(time.RFC3339))
	}
	if !s.NextPaymentDate.IsZero() && !s.EndDate.IsZero() && s.EndDate.Before(s.NextPaymentDate) {
		return fmt.Errorf("end date %s is before next payment %s", s.EndDate.Format(time.RFC3339), s.NextPaymentDate.Format(time.RFC3339))
	}
	if !s.TrialEndDate.IsZero() && !s.EndDate.IsZero() && s.EndDate.Before(s.TrialEndDate) {
		return fmt.Errorf("end date %s is before trial end %s", s.EndDate.Format(time.RFC3339), s.TrialEndDate.Format(time.RFC3339))
	}
	return nil
}

// InitDates computes trial end, first renewal and end dates from start.
func (s *Subscription) InitDates(cal *billing.Calendar, start time.Time) {
	if start.IsZero() {
		start = cal.Now()
	}
	s.StartDate = start
	s.TrialEndDate = cal.TrialExpiration(s.TrialDays, start)
	s.NextPaymentDate = cal.FirstRenewalPayment(s.BillingInterval, s.Length, s.TrialDays, s.BillingPeriod, start, start.Location())
	s.EndDate = cal.ExpirationDate(s.Length, s.BillingPeriod, start, s.TrialDays)
	s.clampNextPayment()
}

// SetStartDate moves the start date, recalculating the schedule of a running subscription.
func (s *Subscription) SetStartDate(cal *billing.Calendar, start time.Time) {
	s.StartDate = start
	s.recalculate(cal)
}

// SetSchedule changes the billing interval, period and length.
func (s *Subscription) SetSchedule(cal *billing.Calendar, interval int, period billing.Period, length int) {
	s.BillingInterval = interval
	s.BillingPeriod = period
	s.Length = length
	s.recalculate(cal)
}

func (s *Subscription) recalculate(cal *billing.Calendar) {
	if s.Status != StatusActive && s.Status != StatusOnHold {
		return
	}
	s.EndDate = cal.ExpirationDate(s.Length, s.BillingPeriod, s.StartDate, s.TrialDays)
	s.NextPaymentDate = s.CalculateNextPayment(cal)
}

// CalculateNextPayment returns the next payment date implied by the schedule: the trial
// end while in trial, otherwise one interval after the last payment (or start), rolled
// past now. It is zero once the end date is reached.
func (s *Subscription) CalculateNextPayment(cal *billing.Calendar) time.Time {
	now := cal.Now()
	if !s.TrialEndDate.IsZero() && s.TrialEndDate.After(now) {
		return s.TrialEndDate
	}

	base := s.LastPaymentDate
	if base.IsZero() {
		base = s.StartDate
	}
	if base.IsZero() {
		return time.Time{}
	}
	interval := s.BillingInterval
	if interval <= 0 {
		interval = 1
	}
	next := billing.AddTime(interval, s.BillingPeriod, base)
	next = cal.NextPaymentAfter(next, interval, s.BillingPeriod, now)
	if !s.EndDate.IsZero() && !next.Before(s.EndDate) {
		return time.Time{}
	}
	return next
}

// ShiftDates moves trial end, next payment and end dates by offset.
func (s *Subscription) ShiftDates(offset time.Duration) {
	for _, d := range []*time.Time{&s.TrialEndDate, &s.NextPaymentDate, &s.EndDate} {
		if !d.IsZero() {
			*d = d.Add(offset)
		}
	}
}

func (s *Subscription) clampNextPayment() {
	if !s.EndDate.IsZero() && !s.NextPaymentDate.IsZero() && !s.NextPaymentDate.Before(s.EndDate) {
		s.NextPaymentDate = time.Time{}
	}
}
