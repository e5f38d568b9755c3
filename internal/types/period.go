package types

import (
	"fmt"
	"time"
)

// PeriodLabelFor returns the canonical "YYYY-MM" label for the period
// containing t. All period math operates on UTC instants.
func PeriodLabelFor(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d-%02d", u.Year(), int(u.Month()))
}

// NextPaymentDate returns the first payment date strictly after now.
// payDay is the configured day of month; it is clamped to the last day of
// short months (payDay 31 in February yields Feb 28/29).
func NextPaymentDate(now time.Time, payDay int) time.Time {
	u := now.UTC()
	candidate := paymentDateIn(u.Year(), u.Month(), payDay)
	if candidate.After(u) {
		return candidate
	}
	next := u.AddDate(0, 1, -u.Day()+1) // first of next month
	return paymentDateIn(next.Year(), next.Month(), payDay)
}

// AddPeriod advances a payment date by one period, re-clamping to payDay so a
// clamped February date returns to the configured day in March.
func AddPeriod(t time.Time, payDay int) time.Time {
	u := t.UTC()
	next := u.AddDate(0, 1, -u.Day()+1)
	return paymentDateIn(next.Year(), next.Month(), payDay)
}

// PeriodsUntil counts the scheduled payment dates in (now, deadline].
// Returns 0 when the deadline precedes the next payment date; callers doing
// required-per-period division floor the result at 1.
func PeriodsUntil(now, deadline time.Time, payDay int) int {
	n := 0
	for d := NextPaymentDate(now, payDay); !d.After(deadline.UTC()); d = AddPeriod(d, payDay) {
		n++
	}
	return n
}

func paymentDateIn(year int, month time.Month, payDay int) time.Time {
	day := payDay
	if day < 1 {
		day = 1
	}
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
