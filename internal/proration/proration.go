// Package proration computes mid-period plan change charges.
package proration

import (
	"math"
	"time"
)

// Compute returns the amount in cents to charge for switching from
// oldBase to newBase with daysRemaining left in the current period.
// Partial days remaining round up (the subscriber keeps the new plan
// for the rest of today). Downgrades return 0; no credits are issued.
func Compute(oldBase, newBase int64, periodStart, periodEnd, now time.Time) int64 {
	if !now.Before(periodEnd) {
		return 0
	}
	if newBase <= oldBase {
		return 0
	}

	totalDays := periodEnd.Sub(periodStart).Hours() / 24
	if totalDays <= 0 {
		return 0
	}

	daysRemaining := math.Ceil(periodEnd.Sub(now).Hours() / 24)
	if daysRemaining > totalDays {
		daysRemaining = totalDays
	}

	oldDaily := float64(oldBase) / totalDays
	newDaily := float64(newBase) / totalDays
	amount := int64(math.Round((newDaily - oldDaily) * daysRemaining))
	if amount < 0 {
		return 0
	}
	return amount
}
