package billing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"github.com/smallbiznis/rebill/pkg/db"
	"gorm.io/gorm"
)

// fetchDueSubscriptions claims a batch of subscriptions whose period has
// elapsed. SKIP LOCKED keeps concurrent runners out of each other's
// batches; the version guard on later updates covers the window between
// claim and processing. IDs in exclude have already been attempted this
// run: a failed subscription stays due but is retried only on the next
// scheduled cycle, never within the same run.
func fetchDueSubscriptions(ctx context.Context, tx *gorm.DB, now time.Time, limit int, exclude []snowflake.ID) ([]subscriptiondomain.Subscription, error) {
	query := `SELECT id, tenant_id, plan_id, status, quantity, trial_end,
			current_period_start, current_period_end, cancel_at_period_end, ends_at, canceled_at,
			failed_payment_count, last_payment_error, last_billed_at, version, created_at, updated_at
		 FROM subscriptions
		 WHERE status IN (?, ?)
		   AND current_period_end <= ?
		   AND (trial_end IS NULL OR trial_end <= ?)
		   AND NOT (cancel_at_period_end = ? AND ends_at IS NOT NULL AND ends_at <= ?)`
	args := []any{
		subscriptiondomain.StatusActive,
		subscriptiondomain.StatusPastDue,
		now,
		now,
		true,
		now,
	}
	if len(exclude) > 0 {
		query += `
		   AND id NOT IN (?)`
		args = append(args, exclude)
	}
	query += `
		 ORDER BY current_period_end ASC
		 LIMIT ?` + db.ForUpdateSkipLocked(tx)
	args = append(args, limit)

	var subscriptions []subscriptiondomain.Subscription
	if err := tx.WithContext(ctx).Raw(query, args...).Scan(&subscriptions).Error; err != nil {
		return nil, err
	}
	return subscriptions, nil
}
