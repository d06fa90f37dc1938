package domain

import (
	"fmt"
	"time"
)

// IntervalUnit is the unit of a billing interval
type IntervalUnit string

const (
	IntervalUnitDay   IntervalUnit = "day"
	IntervalUnitWeek  IntervalUnit = "week"
	IntervalUnitMonth IntervalUnit = "month"
	IntervalUnitYear  IntervalUnit = "year"
)

// BillingInterval is the period between two renewal payments, e.g. every 3 months
type BillingInterval struct {
	Unit  IntervalUnit `json:"unit"`
	Count int          `json:"count"`
}

// Validate checks the interval has a known unit and a positive count
func (i BillingInterval) Validate() error {
	if i.Count <= 0 {
		return NewInvalidInputError("invalid billing interval", fmt.Sprintf("count must be positive, got %d", i.Count))
	}
	switch i.Unit {
	case IntervalUnitDay, IntervalUnitWeek, IntervalUnitMonth, IntervalUnitYear:
		return nil
	default:
		return NewInvalidInputError("invalid billing interval", fmt.Sprintf("unknown unit %q", i.Unit))
	}
}

// Next returns the timestamp one interval after from. Month and year steps
// clamp to the last day of the target month, so a subscription billed on the
// 31st is billed on the 30th (or 28th/29th) in shorter months.
func (i BillingInterval) Next(from time.Time) time.Time {
	count := i.Count
	if count <= 0 {
		count = 1
	}

	switch i.Unit {
	case IntervalUnitDay:
		return from.AddDate(0, 0, count)
	case IntervalUnitWeek:
		return from.AddDate(0, 0, count*7)
	case IntervalUnitYear:
		return addMonths(from, count*12)
	case IntervalUnitMonth:
		return addMonths(from, count)
	default:
		return addMonths(from, 1)
	}
}

func addMonths(from time.Time, months int) time.Time {
	year, month, day := from.Date()
	hour, min, sec := from.Clock()

	first := time.Date(year, month+time.Month(months), 1, hour, min, sec, from.Nanosecond(), from.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day, hour, min, sec, from.Nanosecond(), from.Location())
}

// BillingSchedule tracks when a subscription is next charged
type BillingSchedule struct {
	Interval    BillingInterval `json:"interval"`
	NextPayment time.Time       `json:"next_payment"`
	LastPayment time.Time       `json:"last_payment"`
}
