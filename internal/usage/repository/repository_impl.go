package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/rebill/internal/usage/domain"
	pkgdb "github.com/smallbiznis/rebill/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) InsertIdempotent(ctx context.Context, db *gorm.DB, record *usagedomain.Record) (bool, error) {
	if record.IdempotencyKey == nil {
		err := db.WithContext(ctx).Exec(
			`INSERT INTO usage_records (
				id, tenant_id, subscription_id, meter_type, quantity, metadata, recorded_at,
				billed, billed_at, idempotency_key, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ID,
			record.TenantID,
			record.SubscriptionID,
			record.MeterType,
			record.Quantity,
			record.Metadata,
			record.RecordedAt,
			record.Billed,
			record.BilledAt,
			record.IdempotencyKey,
			record.CreatedAt,
		).Error
		if err != nil {
			return false, err
		}
		return true, nil
	}

	result := db.WithContext(ctx).Exec(
		`INSERT INTO usage_records (
			id, tenant_id, subscription_id, meter_type, quantity, metadata, recorded_at,
			billed, billed_at, idempotency_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		record.ID,
		record.TenantID,
		record.SubscriptionID,
		record.MeterType,
		record.Quantity,
		record.Metadata,
		record.RecordedAt,
		record.Billed,
		record.BilledAt,
		record.IdempotencyKey,
		record.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, key string) (*usagedomain.Record, error) {
	var record usagedomain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, subscription_id, meter_type, quantity, metadata, recorded_at,
		 billed, billed_at, idempotency_key, created_at
		 FROM usage_records WHERE tenant_id = ? AND idempotency_key = ?`,
		tenantID,
		key,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) FindUnbilledForUpdate(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, cutoff time.Time) ([]usagedomain.Record, error) {
	var records []usagedomain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, subscription_id, meter_type, quantity, recorded_at
		 FROM usage_records
		 WHERE subscription_id = ? AND billed = ? AND recorded_at < ?
		 ORDER BY id`+pkgdb.ForUpdate(db),
		subscriptionID,
		false,
		cutoff,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) MarkBilled(ctx context.Context, db *gorm.DB, recordIDs []snowflake.ID, billedAt time.Time) (int64, error) {
	if len(recordIDs) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_records SET billed = ?, billed_at = ?
		 WHERE id IN ? AND billed = ?`,
		true,
		billedAt,
		recordIDs,
		false,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) SummarizeUnbilled(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]usagedomain.MeterTotal, error) {
	var totals []usagedomain.MeterTotal
	err := db.WithContext(ctx).Raw(
		`SELECT meter_type, SUM(quantity) AS total_quantity
		 FROM usage_records
		 WHERE subscription_id = ? AND billed = ?
		 GROUP BY meter_type
		 ORDER BY meter_type`,
		subscriptionID,
		false,
	).Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}

func (r *repo) ArchiveBilled(ctx context.Context, db *gorm.DB, archivedAt time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}

	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM usage_records WHERE billed = ? ORDER BY id LIMIT ?`,
		true,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := db.WithContext(ctx).Exec(
		`INSERT INTO usage_records_archive (
			id, tenant_id, subscription_id, meter_type, quantity, metadata, recorded_at,
			billed_at, archived_at
		)
		SELECT id, tenant_id, subscription_id, meter_type, quantity, metadata, recorded_at,
			billed_at, ?
		FROM usage_records WHERE id IN ?`,
		archivedAt,
		ids,
	).Error; err != nil {
		return 0, err
	}

	result := db.WithContext(ctx).Exec(
		`DELETE FROM usage_records WHERE id IN ?`,
		ids,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
