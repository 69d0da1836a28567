package proration

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestComputeMidPeriodUpgrade(t *testing.T) {
	// 30-day period, upgrade halfway: (4000-2000)/30 * 15 = 1000
	start := date(2024, time.June, 1)
	end := date(2024, time.July, 1)
	now := date(2024, time.June, 16)

	if got := Compute(2000, 4000, start, end, now); got != 1000 {
		t.Fatalf("Compute = %d, want 1000", got)
	}
}

func TestComputePartialDayRoundsUp(t *testing.T) {
	start := date(2024, time.June, 1)
	end := date(2024, time.July, 1)
	// 14.5 days remaining rounds up to 15
	now := time.Date(2024, time.June, 16, 12, 0, 0, 0, time.UTC)

	if got := Compute(2000, 4000, start, end, now); got != 1000 {
		t.Fatalf("Compute = %d, want 1000", got)
	}
}

func TestComputeDowngradeIsZero(t *testing.T) {
	start := date(2024, time.June, 1)
	end := date(2024, time.July, 1)
	now := date(2024, time.June, 16)

	if got := Compute(4000, 2000, start, end, now); got != 0 {
		t.Fatalf("Compute = %d, want 0", got)
	}
	if got := Compute(4000, 4000, start, end, now); got != 0 {
		t.Fatalf("same plan Compute = %d, want 0", got)
	}
}

func TestComputeAtOrAfterPeriodEndIsZero(t *testing.T) {
	start := date(2024, time.June, 1)
	end := date(2024, time.July, 1)

	if got := Compute(2000, 4000, start, end, end); got != 0 {
		t.Fatalf("Compute at period end = %d, want 0", got)
	}
	if got := Compute(2000, 4000, start, end, end.AddDate(0, 0, 3)); got != 0 {
		t.Fatalf("Compute after period end = %d, want 0", got)
	}
}

func TestComputeFullPeriodChargesFullDifference(t *testing.T) {
	start := date(2024, time.June, 1)
	end := date(2024, time.July, 1)

	if got := Compute(2000, 4000, start, end, start); got != 2000 {
		t.Fatalf("Compute = %d, want 2000", got)
	}
}

func TestComputeNeverNegative(t *testing.T) {
	start := date(2024, time.June, 1)
	end := date(2024, time.July, 1)
	for day := 1; day <= 30; day++ {
		now := date(2024, time.June, day)
		if got := Compute(5000, 100, start, end, now); got < 0 {
			t.Fatalf("negative proration on day %d: %d", day, got)
		}
	}
}
