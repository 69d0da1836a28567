package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"github.com/smallbiznis/rebill/pkg/db"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, tenant_id, plan_id, status, active_key, quantity, trial_end,
	 current_period_start, current_period_end, cancel_at_period_end, ends_at, canceled_at,
	 failed_payment_count, last_payment_error, last_billed_at, version, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

// Insert relies on the active_key unique index for the one-live-
// subscription-per-tenant rule: two concurrent creates both pass the
// read guard, but only one insert lands.
func (r *repo) Insert(ctx context.Context, conn *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	result := conn.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, tenant_id, plan_id, status, active_key, quantity, trial_end, current_period_start,
			current_period_end, cancel_at_period_end, ends_at, canceled_at, failed_payment_count,
			last_payment_error, last_billed_at, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (active_key) DO NOTHING`,
		subscription.ID,
		subscription.TenantID,
		subscription.PlanID,
		subscription.Status,
		subscription.ActiveKey,
		subscription.Quantity,
		subscription.TrialEnd,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.CancelAtPeriodEnd,
		subscription.EndsAt,
		subscription.CanceledAt,
		subscription.FailedPaymentCount,
		subscription.LastPaymentError,
		subscription.LastBilledAt,
		subscription.Version,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	)
	if result.Error != nil {
		return result.Error
	}
	if subscription.ActiveKey != nil && result.RowsAffected == 0 {
		return subscriptiondomain.ErrSubscriptionExists
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := conn.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := conn.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`+db.ForUpdate(conn),
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindCurrentByTenantID(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := conn.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE tenant_id = ? AND status IN (?, ?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		tenantID,
		subscriptiondomain.StatusTrialing,
		subscriptiondomain.StatusActive,
		subscriptiondomain.StatusPastDue,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) UpdateLifecycle(ctx context.Context, conn *gorm.DB, sub *subscriptiondomain.Subscription) error {
	// Canceling releases the tenant's active slot.
	activeKey := sub.ActiveKey
	if sub.Status == subscriptiondomain.StatusCanceled {
		activeKey = nil
	}
	result := conn.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			status = ?, active_key = ?, cancel_at_period_end = ?, ends_at = ?, canceled_at = ?,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		sub.Status,
		activeKey,
		sub.CancelAtPeriodEnd,
		sub.EndsAt,
		sub.CanceledAt,
		sub.UpdatedAt,
		sub.ID,
		sub.Version,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return subscriptiondomain.ErrConcurrencyConflict
	}
	sub.ActiveKey = activeKey
	sub.Version++
	return nil
}

func (r *repo) UpdatePlan(ctx context.Context, conn *gorm.DB, sub *subscriptiondomain.Subscription) error {
	result := conn.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			plan_id = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		sub.PlanID,
		sub.UpdatedAt,
		sub.ID,
		sub.Version,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return subscriptiondomain.ErrConcurrencyConflict
	}
	sub.Version++
	return nil
}

func (r *repo) AdvancePeriod(ctx context.Context, conn *gorm.DB, sub *subscriptiondomain.Subscription, periodStart, periodEnd, billedAt time.Time) error {
	result := conn.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			status = ?, current_period_start = ?, current_period_end = ?,
			failed_payment_count = 0, last_payment_error = NULL, last_billed_at = ?,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		subscriptiondomain.StatusActive,
		periodStart,
		periodEnd,
		billedAt,
		billedAt,
		sub.ID,
		sub.Version,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return subscriptiondomain.ErrConcurrencyConflict
	}
	sub.Status = subscriptiondomain.StatusActive
	sub.CurrentPeriodStart = periodStart
	sub.CurrentPeriodEnd = periodEnd
	sub.FailedPaymentCount = 0
	sub.LastPaymentError = nil
	sub.Version++
	return nil
}

func (r *repo) RecordPaymentFailure(ctx context.Context, conn *gorm.DB, sub *subscriptiondomain.Subscription, failedCount int, cause string, status subscriptiondomain.Status) error {
	result := conn.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			status = ?, failed_payment_count = ?, last_payment_error = ?,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		status,
		failedCount,
		cause,
		time.Now().UTC(),
		sub.ID,
		sub.Version,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return subscriptiondomain.ErrConcurrencyConflict
	}
	sub.Status = status
	sub.FailedPaymentCount = failedCount
	sub.LastPaymentError = &cause
	sub.Version++
	return nil
}

func (r *repo) ActivateExpiredTrials(ctx context.Context, conn *gorm.DB, now time.Time) (int64, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			status = ?, version = version + 1, updated_at = ?
		 WHERE status = ? AND trial_end IS NOT NULL AND trial_end <= ?`,
		subscriptiondomain.StatusActive,
		now,
		subscriptiondomain.StatusTrialing,
		now,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) FindCancelDue(ctx context.Context, conn *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var subscriptions []subscriptiondomain.Subscription
	err := conn.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE cancel_at_period_end = ? AND ends_at IS NOT NULL AND ends_at <= ?
		   AND status IN (?, ?, ?)
		 ORDER BY ends_at ASC LIMIT ?`,
		true,
		now,
		subscriptiondomain.StatusTrialing,
		subscriptiondomain.StatusActive,
		subscriptiondomain.StatusPastDue,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}
