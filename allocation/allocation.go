/*
Package allocation computes daily allowances, remaining amounts and projections.

PURPOSE:
  Pure functions shared by periods and dated expense pockets. Nothing here
  reads the store or the clock; "today" is always a parameter.

KEY FORMULAS:
  daily       = round(allocated / days, 2)               half away from zero
  remaining   = allocated - spent                        never clamped
  elapsed     = max(0, (today - start) in days + 1)      inclusive of start day
  accumulated = daily * elapsed - spent                  may be negative

ROUNDING:
  Only daily is rounded. Because |daily - allocated/days| <= 0.005,
  |daily*days - allocated| <= days * 0.005, inside the one-cent-per-day bound.

INCONSISTENCY:
  spent > allocated is never silently fixed. Remaining returns the negative
  value together with an *ledger.InconsistencyError so callers can refuse to
  act on it (finishing a period, closing a pocket) while reads still show it.

SEE ALSO:
  - projection.go: lazy per-day series
  - period/period.go, pocket/pocket.go: callers
*/
package allocation

import (
	"fmt"

	"github.com/ffs/balance-engine/ledger"
	"github.com/shopspring/decimal"
)

const (
	MinDays = 1
	MaxDays = 120
)

var hundred = decimal.NewFromInt(100)

// DailyAmount returns allocated / days rounded to cents.
func DailyAmount(allocated decimal.Decimal, days int) (decimal.Decimal, error) {
	if days <= 0 {
		return decimal.Zero, &ledger.ValidationError{Field: "days", Reason: "must be positive", Cause: ledger.ErrInvalidAllocation}
	}
	if allocated.IsNegative() {
		return decimal.Zero, &ledger.ValidationError{Field: "allocated_amount", Reason: "must not be negative", Cause: ledger.ErrInvalidAllocation}
	}
	return allocated.DivRound(decimal.NewFromInt(int64(days)), 2), nil
}

// Remaining returns allocated - spent. When spent exceeds allocated the
// (negative) difference is still returned, alongside an InconsistencyError.
func Remaining(allocated, spent decimal.Decimal) (decimal.Decimal, error) {
	r := allocated.Sub(spent)
	if r.IsNegative() {
		return r, &ledger.InconsistencyError{
			Kind:   "allocation",
			Detail: fmt.Sprintf("spent %s exceeds allocated %s", spent.StringFixed(2), allocated.StringFixed(2)),
		}
	}
	return r, nil
}

// DaysElapsedInclusive counts start..today inclusive; 0 before start.
func DaysElapsedInclusive(start, today ledger.Date) int {
	n := ledger.DaysBetween(start, today) + 1
	if n < 0 {
		return 0
	}
	return n
}

func AccumulatedBalance(daily decimal.Decimal, daysElapsed int, spent decimal.Decimal) decimal.Decimal {
	return daily.Mul(decimal.NewFromInt(int64(daysElapsed))).Sub(spent)
}

// EndsAt is the last day of a window of days starting at start.
func EndsAt(start ledger.Date, days int) ledger.Date {
	return start.AddDays(days - 1)
}

// AmountFromPercentage returns round(base * pct / 100, 2).
func AmountFromPercentage(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).DivRound(hundred, 2)
}

func ValidatePercentage(pct decimal.Decimal) error {
	if !pct.IsPositive() || pct.GreaterThan(hundred) {
		return &ledger.ValidationError{Field: "percentage", Reason: "must be in (0, 100]", Cause: ledger.ErrInvalidAllocation}
	}
	return nil
}

func ValidateDays(days int) error {
	if days < MinDays || days > MaxDays {
		return &ledger.ValidationError{
			Field:  "days",
			Reason: fmt.Sprintf("must be between %d and %d", MinDays, MaxDays),
			Cause:  ledger.ErrInvalidAllocation,
		}
	}
	return nil
}

// =============================================================================
// SNAPSHOT - "what is safe to spend today"
// =============================================================================

type Snapshot struct {
	Allocated   decimal.Decimal `json:"allocated"`
	Spent       decimal.Decimal `json:"spent"`
	Remaining   decimal.Decimal `json:"remaining"`
	Daily       decimal.Decimal `json:"daily"`
	Accumulated decimal.Decimal `json:"accumulated"`
	TotalDays   int             `json:"total_days"`
	DaysElapsed int             `json:"days_elapsed"`
	DaysLeft    int             `json:"days_left"`
	// Inconsistent is set when spent > allocated.
	Inconsistent bool `json:"inconsistent"`
}

// Snap builds the snapshot for the window [start, end] as seen on today.
func Snap(start, end, today ledger.Date, allocated, spent, daily decimal.Decimal) Snapshot {
	total := ledger.DaysBetween(start, end) + 1
	elapsed := DaysElapsedInclusive(start, today)
	if elapsed > total {
		elapsed = total
	}

	remaining, err := Remaining(allocated, spent)
	return Snapshot{
		Allocated:    allocated,
		Spent:        spent,
		Remaining:    remaining,
		Daily:        daily,
		Accumulated:  AccumulatedBalance(daily, elapsed, spent),
		TotalDays:    total,
		DaysElapsed:  elapsed,
		DaysLeft:     total - elapsed,
		Inconsistent: err != nil,
	}
}
