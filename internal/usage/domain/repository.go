package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertIdempotent appends a record; it reports false when the
	// idempotency key already exists.
	InsertIdempotent(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, key string) (*Record, error)
	// FindUnbilledForUpdate locks the unbilled rows recorded strictly
	// before cutoff and returns them for pricing.
	FindUnbilledForUpdate(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, cutoff time.Time) ([]Record, error)
	MarkBilled(ctx context.Context, db *gorm.DB, recordIDs []snowflake.ID, billedAt time.Time) (int64, error)
	SummarizeUnbilled(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]MeterTotal, error)
	// ArchiveBilled copies billed records into the archive table and
	// deletes them from the hot table, up to limit rows per call.
	ArchiveBilled(ctx context.Context, db *gorm.DB, archivedAt time.Time, limit int) (int64, error)
}
