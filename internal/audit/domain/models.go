// Package domain contains the audit trail model.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Log is one immutable audit entry for a billing-relevant action.
type Log struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	TenantID   snowflake.ID      `gorm:"index"`
	Action     string            `gorm:"type:text;not null;index"`
	TargetType string            `gorm:"type:text;not null"`
	TargetID   string            `gorm:"type:text"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Log) TableName() string { return "audit_logs" }

// Entry is the write-side shape for recording an action.
type Entry struct {
	TenantID   snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

// Service records audit entries. Implementations must never fail the
// calling operation: audit write errors are logged and swallowed.
// RecordTx writes on the supplied transaction so the entry commits and
// rolls back with the surrounding work; Record uses the base pool for
// post-commit call sites.
type Service interface {
	Record(ctx context.Context, entry Entry)
	RecordTx(ctx context.Context, tx *gorm.DB, entry Entry)
}
