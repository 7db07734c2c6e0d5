package budget

import "time"

// PeriodKind determines how an account's period advances.
type PeriodKind string

const (
	// PeriodDaily rolls the account over at midnight UTC.
	PeriodDaily PeriodKind = "daily"

	// PeriodMonthly rolls the account over on the first of each month, UTC.
	PeriodMonthly PeriodKind = "monthly"

	// PeriodFixed never rolls over; the account is active only inside
	// its configured [start, end) window.
	PeriodFixed PeriodKind = "fixed"
)

// Valid reports whether k is a known period kind.
func (k PeriodKind) Valid() bool {
	switch k {
	case PeriodDaily, PeriodMonthly, PeriodFixed:
		return true
	default:
		return false
	}
}

// Account is one named spending cap with category sub-ledgers.
//
// Category buckets are soft planning totals, not hard sub-caps: every
// recorded spend updates both the account total and its category row,
// so category spends always sum to the account total, but a category
// has no enforced ceiling of its own.
type Account struct {
	Name              string
	TotalAllocated    float64
	Spent             float64
	PeriodKind        PeriodKind
	PeriodStart       time.Time
	PeriodEnd         time.Time
	WarningThreshold  float64
	CriticalThreshold float64
	CategoryAllocated map[string]float64
	CategorySpent     map[string]float64
}

// Active reports whether now falls inside the account's period.
func (a *Account) Active(now time.Time) bool {
	return !now.Before(a.PeriodStart) && now.Before(a.PeriodEnd)
}

// Remaining returns the unspent allocation.
func (a *Account) Remaining() float64 {
	return a.TotalAllocated - a.Spent
}

// Utilization returns spent/allocated as a fraction, 0 when unallocated.
func (a *Account) Utilization() float64 {
	if a.TotalAllocated <= 0 {
		return 0
	}
	return a.Spent / a.TotalAllocated
}

// OverThreshold reports whether utilization has reached level
// (e.g. 0.75 warning, 0.90 critical).
func (a *Account) OverThreshold(level float64) bool {
	return a.Utilization() >= level
}

// CanCover reports whether the account could absorb amount without
// crossing its allocation. Pure arithmetic; no reservation.
func (a *Account) CanCover(amount float64) bool {
	return a.Spent+amount <= a.TotalAllocated
}

// periodBounds computes the [start, end) window of the period
// containing now for a rolling kind.
func periodBounds(kind PeriodKind, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch kind {
	case PeriodDaily:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	case PeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default:
		return time.Time{}, time.Time{}
	}
}
