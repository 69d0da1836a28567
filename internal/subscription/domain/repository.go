package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	// FindCurrentByTenantID returns the tenant's non-canceled subscription, if any.
	FindCurrentByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*Subscription, error)

	// UpdateLifecycle writes status and cancellation fields guarded by
	// sub.Version; it returns ErrConcurrencyConflict when the row moved.
	UpdateLifecycle(ctx context.Context, db *gorm.DB, sub *Subscription) error
	// UpdatePlan swaps the plan on an upgrade, guarded by sub.Version.
	UpdatePlan(ctx context.Context, db *gorm.DB, sub *Subscription) error
	// AdvancePeriod moves the billing window forward after a successful
	// charge, resets failure tracking, and re-activates past_due rows.
	AdvancePeriod(ctx context.Context, db *gorm.DB, sub *Subscription, periodStart, periodEnd, billedAt time.Time) error
	// RecordPaymentFailure bumps the failure counter and stores the cause,
	// optionally escalating status, guarded by sub.Version.
	RecordPaymentFailure(ctx context.Context, db *gorm.DB, sub *Subscription, failedCount int, cause string, status Status) error

	// ActivateExpiredTrials bulk-moves trialing rows whose trial has
	// elapsed to active and reports how many changed.
	ActivateExpiredTrials(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
	// FindCancelDue lists rows flagged cancel-at-period-end whose period
	// has elapsed.
	FindCancelDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
}
