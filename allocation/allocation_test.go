package allocation

import (
	"testing"
	"time"

	"github.com/ffs/balance-engine/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// DAILY AMOUNT
// =============================================================================

func TestDailyAmount_RoundsHalfAwayFromZero(t *testing.T) {
	cases := []struct {
		allocated string
		days      int
		want      string
	}{
		{"500", 10, "50"},
		{"100", 3, "33.33"},
		{"200", 3, "66.67"},
		{"0.05", 2, "0.03"}, // 0.025 rounds up
		{"0", 7, "0"},
	}
	for _, tc := range cases {
		got, err := DailyAmount(dec(tc.allocated), tc.days)
		require.NoError(t, err)
		assert.True(t, got.Equal(dec(tc.want)), "%s/%d = %s, want %s", tc.allocated, tc.days, got, tc.want)
	}
}

func TestDailyAmount_RejectsNonPositiveDays(t *testing.T) {
	_, err := DailyAmount(dec("100"), 0)
	assert.ErrorIs(t, err, ledger.ErrInvalidAllocation)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestDailyAmount_TimesDaysStaysWithinACentPerDay(t *testing.T) {
	// GIVEN: a spread of awkward allocations across every legal day count
	amounts := []string{"1", "99.99", "100", "333.33", "1000", "1234567.89", "0.07"}
	for _, a := range amounts {
		allocated := dec(a)
		for days := MinDays; days <= MaxDays; days++ {
			// WHEN: computing the daily amount
			daily, err := DailyAmount(allocated, days)
			require.NoError(t, err)

			// THEN: |daily*days - allocated| <= days * 0.01
			drift := daily.Mul(decimal.NewFromInt(int64(days))).Sub(allocated).Abs()
			bound := dec("0.01").Mul(decimal.NewFromInt(int64(days)))
			assert.True(t, drift.LessThanOrEqual(bound), "allocated=%s days=%d drift=%s", a, days, drift)
		}
	}
}

// =============================================================================
// REMAINING / ELAPSED / ACCUMULATED
// =============================================================================

func TestRemaining_FlagsOverspendWithoutClamping(t *testing.T) {
	r, err := Remaining(dec("1000"), dec("1000"))
	require.NoError(t, err)
	assert.True(t, r.IsZero())

	r, err = Remaining(dec("100"), dec("120"))
	assert.ErrorIs(t, err, ledger.ErrInconsistentState)
	assert.True(t, r.Equal(dec("-20")), "value is reported, not clamped")
}

func TestDaysElapsedInclusive(t *testing.T) {
	start := ledger.NewDate(2025, time.March, 10)
	assert.Equal(t, 0, DaysElapsedInclusive(start, start.AddDays(-3)))
	assert.Equal(t, 0, DaysElapsedInclusive(start, start.AddDays(-1)))
	assert.Equal(t, 1, DaysElapsedInclusive(start, start))
	assert.Equal(t, 10, DaysElapsedInclusive(start, start.AddDays(9)))
}

func TestAccumulatedBalance(t *testing.T) {
	assert.True(t, AccumulatedBalance(dec("50"), 3, dec("20")).Equal(dec("130")))
	assert.True(t, AccumulatedBalance(dec("50"), 0, dec("20")).Equal(dec("-20")))
}

func TestValidation(t *testing.T) {
	assert.NoError(t, ValidatePercentage(dec("100")))
	assert.NoError(t, ValidatePercentage(dec("0.5")))
	assert.Error(t, ValidatePercentage(dec("0")))
	assert.Error(t, ValidatePercentage(dec("100.01")))

	assert.NoError(t, ValidateDays(1))
	assert.NoError(t, ValidateDays(120))
	assert.Error(t, ValidateDays(0))
	assert.Error(t, ValidateDays(121))

	assert.True(t, AmountFromPercentage(dec("3000000"), dec("12.5")).Equal(dec("375000")))
	assert.True(t, EndsAt(ledger.NewDate(2025, time.January, 30), 3).Equal(ledger.NewDate(2025, time.February, 1)))
}

// =============================================================================
// PROJECTION SERIES
// =============================================================================

func TestProjectionSeries_TenDaysFromToday(t *testing.T) {
	// GIVEN: a 10-day window starting today at 50/day with nothing spent
	today := ledger.NewDate(2025, time.March, 3) // Monday
	end := EndsAt(today, 10)

	// WHEN: projecting
	got := Collect(ProjectionSeries(today, end, today, dec("50"), decimal.Zero))

	// THEN: 50, 100, ..., 500
	require.Len(t, got, 10)
	for i, p := range got {
		want := decimal.NewFromInt(int64(50 * (i + 1)))
		assert.True(t, p.Accumulated.Equal(want), "day %d: got %s want %s", i, p.Accumulated, want)
		assert.True(t, p.Date.Equal(today.AddDays(i)))
	}
	assert.Equal(t, "Mon", got[0].Weekday)
	assert.Equal(t, "Wed", got[9].Weekday)
}

func TestProjectionSeries_IsRestartableAndStopsEarly(t *testing.T) {
	today := ledger.NewDate(2025, time.March, 1)
	seq := ProjectionSeries(today, today.AddDays(4), today, dec("10"), dec("5"))

	first := Collect(seq)
	second := Collect(seq)
	assert.Equal(t, len(first), len(second))
	assert.True(t, first[0].Accumulated.Equal(dec("5")))

	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestProjectionSeries_BeforeStartAndAfterEnd(t *testing.T) {
	start := ledger.NewDate(2025, time.March, 5)
	today := ledger.NewDate(2025, time.March, 3)

	got := Collect(ProjectionSeries(start, start.AddDays(1), today, dec("10"), decimal.Zero))
	require.Len(t, got, 4)
	assert.True(t, got[0].Accumulated.IsZero(), "no credit before start")
	assert.True(t, got[1].Accumulated.IsZero())
	assert.True(t, got[2].Accumulated.Equal(dec("10")))

	assert.Empty(t, Collect(ProjectionSeries(start, start, start.AddDays(1), dec("10"), decimal.Zero)))
}

func TestSnap(t *testing.T) {
	start := ledger.NewDate(2025, time.March, 1)
	s := Snap(start, start.AddDays(9), start.AddDays(3), dec("500"), dec("120"), dec("50"))
	assert.Equal(t, 10, s.TotalDays)
	assert.Equal(t, 4, s.DaysElapsed)
	assert.Equal(t, 6, s.DaysLeft)
	assert.True(t, s.Remaining.Equal(dec("380")))
	assert.True(t, s.Accumulated.Equal(dec("80")))
	assert.False(t, s.Inconsistent)

	late := Snap(start, start.AddDays(9), start.AddDays(30), dec("500"), dec("600"), dec("50"))
	assert.Equal(t, 0, late.DaysLeft)
	assert.True(t, late.Inconsistent)
}
