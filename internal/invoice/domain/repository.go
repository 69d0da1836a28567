package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert appends an invoice. For paid invoices the period key makes
	// the write idempotent: false means the period was already paid.
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	ListBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, limit int) ([]Invoice, error)
	CountPaidForPeriod(ctx context.Context, db *gorm.DB, periodKey string) (int64, error)
}
