package domain

import "time"

// Advance returns t plus one billing period using calendar arithmetic with
// day-of-month clamping: Jan 31 + 1 month lands on the last day of February,
// never on Mar 2.
func (p BillingPeriod) Advance(t time.Time) time.Time {
	year, month, day := t.Date()
	switch p {
	case BillingPeriodYear:
		year++
	default:
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}

	if last := daysIn(year, month); day > last {
		day = last
	}

	hour, min, sec := t.Clock()
	return time.Date(year, month, day, hour, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	// day 0 of the next month is the last day of this month
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
