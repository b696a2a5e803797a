// Package billing implements the calendar arithmetic behind subscription trials,
// renewals and expirations. Every function is pure apart from the injected Clock.
package billing

import (
	"fmt"
	"strings"
	"time"
)

// AddTime adds n periods to from. Months use month-end corrected addition.
func AddTime(n int, period Period, from time.Time) time.Time {
	switch period {
	case PeriodDay:
		return from.AddDate(0, 0, n)
	case PeriodWeek:
		return from.AddDate(0, 0, 7*n)
	case PeriodMonth:
		return AddMonths(from, n)
	case PeriodYear:
		return from.AddDate(n, 0, 0)
	default:
		return from
	}
}

// AddMonths adds n months to from. When from is the last day of its month, or its day
// does not exist in the target month, the result is the last day of the n-th following
// month. The time of day and location of from are kept.
func AddMonths(from time.Time, n int) time.Time {
	if n == 0 {
		return from
	}
	if n < 0 {
		return addMonthsClamped(from, n)
	}

	year, month, day := from.Date()
	targetYear, targetMonth, _ := time.Date(year, month+time.Month(n), 1, 0, 0, 0, 0, from.Location()).Date()

	if day != DaysIn(year, month) && day <= DaysIn(targetYear, targetMonth) {
		return from.AddDate(0, n, 0)
	}

	// Step into each following month and snap to its last day.
	next := from
	for i := 0; i < n; i++ {
		next = EndOfMonth(next.AddDate(0, 0, 3))
	}
	return next
}

func addMonthsClamped(from time.Time, n int) time.Time {
	year, month, day := from.Date()
	first := time.Date(year, month+time.Month(n), 1, from.Hour(), from.Minute(), from.Second(), from.Nanosecond(), from.Location())
	last := DaysIn(first.Year(), first.Month())
	if day > last || day == DaysIn(year, month) {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}

// EndOfMonth returns the last day of t's month at t's time of day.
func EndOfMonth(t time.Time) time.Time {
	year, month, _ := t.Date()
	return time.Date(year, month, DaysIn(year, month), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

var utcLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseUTC parses a stored date string. Strings without an offset are read as UTC
// regardless of the process time zone. An empty string yields the zero time.
func ParseUTC(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "0" {
		return time.Time{}, nil
	}
	for _, layout := range utcLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", value)
}

// Calendar computes subscription dates relative to a clock and the site time zone.
type Calendar struct {
	clock Clock
	site  *time.Location
}

// NewCalendar creates a calendar. Nil arguments default to the system clock and UTC.
func NewCalendar(clock Clock, site *time.Location) *Calendar {
	if clock == nil {
		clock = SystemClock
	}
	if site == nil {
		site = time.UTC
	}
	return &Calendar{clock: clock, site: site}
}

func (c *Calendar) Now() time.Time {
	return c.clock.Now()
}

// Site returns the site time zone.
func (c *Calendar) Site() *time.Location {
	return c.site
}

func (c *Calendar) orNow(from time.Time) time.Time {
	if from.IsZero() {
		return c.clock.Now()
	}
	return from
}

// TrialExpiration returns when a trial of trialDays started at from ends, or the zero
// time when there is no trial. A zero from means now.
func (c *Calendar) TrialExpiration(trialDays int, from time.Time) time.Time {
	if trialDays <= 0 {
		return time.Time{}
	}
	return AddTime(trialDays, PeriodDay, c.orNow(from))
}

// FirstRenewalPayment returns the first renewal date for a new subscription, or the
// zero time for a single-cycle product. With a trial the first renewal is the trial
// end. Otherwise the interval is added in site-local time and the result is expressed
// in tz.
func (c *Calendar) FirstRenewalPayment(interval, length, trialDays int, period Period, from time.Time, tz *time.Location) time.Time {
	if tz == nil {
		tz = time.UTC
	}
	from = c.orNow(from)

	if trialDays > 0 {
		return c.TrialExpiration(trialDays, from).In(tz)
	}
	if interval == length {
		return time.Time{}
	}
	if interval <= 0 {
		interval = 1
	}
	return AddTime(interval, period, from.In(c.site)).In(tz)
}

// ExpirationDate returns when a subscription of length periods ends, or the zero time
// for one that never expires. A trial shifts the start to the trial end.
func (c *Calendar) ExpirationDate(length int, period Period, from time.Time, trialDays int) time.Time {
	if length <= 0 {
		return time.Time{}
	}
	base := c.orNow(from)
	if trialDays > 0 {
		base = c.TrialExpiration(trialDays, base)
	}
	return AddTime(length, period, base)
}

// NextPaymentAfter rolls next forward by interval periods until it is after after.
// A zero next yields the zero time.
func (c *Calendar) NextPaymentAfter(next time.Time, interval int, period Period, after time.Time) time.Time {
	if next.IsZero() || !period.Valid() {
		return next
	}
	if interval <= 0 {
		interval = 1
	}
	after = c.orNow(after)
	for !next.After(after) {
		next = AddTime(interval, period, next)
	}
	return next
}
