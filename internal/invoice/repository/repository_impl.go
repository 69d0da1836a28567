package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	"gorm.io/gorm"
)

const invoiceColumns = `id, subscription_id, tenant_id, plan_id, status, base_amount,
	 usage_amount, total_amount, currency, period_start, period_end, period_key,
	 transaction_id, failure_code, created_at`

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice) (bool, error) {
	if invoice.PeriodKey == nil {
		err := db.WithContext(ctx).Exec(
			`INSERT INTO invoices (
				id, subscription_id, tenant_id, plan_id, status, base_amount, usage_amount,
				total_amount, currency, period_start, period_end, period_key, transaction_id,
				failure_code, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			invoice.ID,
			invoice.SubscriptionID,
			invoice.TenantID,
			invoice.PlanID,
			invoice.Status,
			invoice.BaseAmount,
			invoice.UsageAmount,
			invoice.TotalAmount,
			invoice.Currency,
			invoice.PeriodStart,
			invoice.PeriodEnd,
			invoice.PeriodKey,
			invoice.TransactionID,
			invoice.FailureCode,
			invoice.CreatedAt,
		).Error
		if err != nil {
			return false, err
		}
		return true, nil
	}

	result := db.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, subscription_id, tenant_id, plan_id, status, base_amount, usage_amount,
			total_amount, currency, period_start, period_end, period_key, transaction_id,
			failure_code, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (period_key) DO NOTHING`,
		invoice.ID,
		invoice.SubscriptionID,
		invoice.TenantID,
		invoice.PlanID,
		invoice.Status,
		invoice.BaseAmount,
		invoice.UsageAmount,
		invoice.TotalAmount,
		invoice.Currency,
		invoice.PeriodStart,
		invoice.PeriodEnd,
		invoice.PeriodKey,
		invoice.TransactionID,
		invoice.FailureCode,
		invoice.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) ListBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, limit int) ([]invoicedomain.Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	var invoices []invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE subscription_id = ? ORDER BY created_at DESC LIMIT ?`,
		subscriptionID,
		limit,
	).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) CountPaidForPeriod(ctx context.Context, db *gorm.DB, periodKey string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM invoices WHERE period_key = ?`,
		periodKey,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
