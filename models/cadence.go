package models

import (
	"strings"
	"time"
)

// Cadence is the billing period granularity of a plan.
type Cadence string

const (
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
	CadenceYearly    Cadence = "yearly"
)

// ParseCadence derives the cadence from a free-text plan name such as
// "Pro Yearly" or "quarterly". Unknown plans are treated as monthly.
func ParseCadence(plan string) Cadence {
	p := strings.ToLower(plan)
	switch {
	case strings.Contains(p, "year"), strings.Contains(p, "annual"):
		return CadenceYearly
	case strings.Contains(p, "quarter"):
		return CadenceQuarterly
	default:
		return CadenceMonthly
	}
}

// AddTo returns t moved forward by one period using calendar arithmetic.
// Month overflow follows time.AddDate normalisation: Jan 31 + 1 month is
// Mar 3 (Mar 2 in a leap year), Feb 29 + 1 year is Mar 1.
func (c Cadence) AddTo(t time.Time) time.Time {
	switch c {
	case CadenceYearly:
		return t.AddDate(1, 0, 0)
	case CadenceQuarterly:
		return t.AddDate(0, 3, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

func (c Cadence) Valid() bool {
	switch c {
	case CadenceMonthly, CadenceQuarterly, CadenceYearly:
		return true
	}
	return false
}
