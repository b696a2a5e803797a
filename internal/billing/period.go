package billing

import (
	"fmt"
	"strings"
)

// Period is the unit a subscription is billed in.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

func (p Period) Valid() bool {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return true
	default:
		return false
	}
}

func (p Period) String() string {
	return string(p)
}

// ParsePeriod accepts a period name, case-insensitively.
func ParsePeriod(value string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(value)))
	if !p.Valid() {
		return "", fmt.Errorf("unsupported billing period: %q", value)
	}
	return p, nil
}
