package allocation

import (
	"iter"

	"github.com/ffs/balance-engine/ledger"
	"github.com/shopspring/decimal"
)

// Projection is the expected accumulated balance on one day.
type Projection struct {
	Date        ledger.Date     `json:"date"`
	Weekday     string          `json:"weekday"`
	Accumulated decimal.Decimal `json:"accumulated"`
}

// ProjectionSeries yields one Projection per day from today through end
// inclusive, holding spent constant. Days before start earn nothing.
// The sequence is lazy and can be ranged over any number of times; it is
// empty when today is after end.
func ProjectionSeries(start, end, today ledger.Date, daily, spent decimal.Decimal) iter.Seq[Projection] {
	return func(yield func(Projection) bool) {
		for day := today; day.BeforeOrEqual(end); day = day.AddDays(1) {
			p := Projection{
				Date:        day,
				Weekday:     day.Weekday().String()[:3],
				Accumulated: AccumulatedBalance(daily, DaysElapsedInclusive(start, day), spent),
			}
			if !yield(p) {
				return
			}
		}
	}
}

// Collect drains a series into a slice, for JSON responses.
func Collect(seq iter.Seq[Projection]) []Projection {
	var out []Projection
	for p := range seq {
		out = append(out, p)
	}
	return out
}
