// Package domain contains persistence models for metered usage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Record is one usage event attributed to a subscription. Records are
// append-only; billing flips Billed and the archive sweep moves them out.
type Record struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	TenantID       snowflake.ID      `gorm:"not null;index"`
	SubscriptionID snowflake.ID      `gorm:"not null;index:idx_usage_sub_billed"`
	MeterType      string            `gorm:"type:text;not null"`
	Quantity       float64           `gorm:"not null"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	RecordedAt     time.Time         `gorm:"not null;index"`
	Billed         bool              `gorm:"not null;default:false;index:idx_usage_sub_billed"`
	BilledAt       *time.Time        `gorm:""`
	IdempotencyKey *string           `gorm:"type:text;uniqueIndex"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Record) TableName() string { return "usage_records" }

// ArchivedRecord is a billed usage record moved out of the hot table.
type ArchivedRecord struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	TenantID       snowflake.ID      `gorm:"not null;index"`
	SubscriptionID snowflake.ID      `gorm:"not null;index"`
	MeterType      string            `gorm:"type:text;not null"`
	Quantity       float64           `gorm:"not null"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	RecordedAt     time.Time         `gorm:"not null"`
	BilledAt       *time.Time        `gorm:""`
	ArchivedAt     time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (ArchivedRecord) TableName() string { return "usage_records_archive" }

// MeterTotal is an aggregate of unbilled quantity for one meter type.
type MeterTotal struct {
	MeterType     string  `gorm:"column:meter_type"`
	TotalQuantity float64 `gorm:"column:total_quantity"`
}
