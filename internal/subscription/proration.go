package subscription

import (
	"time"

	"github.com/kelpejol/tally/internal/store"
	"github.com/shopspring/decimal"
)

// Prorate returns (newQuota - oldQuota) scaled by the share of the period
// still ahead of now. Both counts are whole UTC calendar days, so the result
// does not change within a day. The result is rounded to store.AmountScale.
func Prorate(oldQuota, newQuota decimal.Decimal, periodStart, periodEnd, now time.Time) decimal.Decimal {
	total := calendarDays(periodStart, periodEnd)
	if total <= 0 {
		return decimal.Zero
	}
	remaining := calendarDays(now, periodEnd)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > total {
		remaining = total
	}

	return newQuota.Sub(oldQuota).
		Mul(decimal.NewFromInt(remaining)).
		DivRound(decimal.NewFromInt(total), store.AmountScale)
}

func calendarDays(from, to time.Time) int64 {
	fy, fm, fd := from.UTC().Date()
	ty, tm, td := to.UTC().Date()
	a := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int64(b.Sub(a) / (24 * time.Hour))
}
