// Package domain contains the immutable invoice ledger models.
package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status marks the charge outcome an invoice records.
type Status string

const (
	StatusPaid   Status = "paid"
	StatusFailed Status = "failed"
)

// Invoice is one ledger entry for a billing attempt. Rows are append-only.
//
// PeriodKey is only set on paid invoices and carries a unique index, so a
// period can be paid once but can accumulate any number of failed attempts.
type Invoice struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	TenantID       snowflake.ID `gorm:"not null;index"`
	PlanID         snowflake.ID `gorm:"not null"`
	Status         Status       `gorm:"type:text;not null"`
	BaseAmount     int64        `gorm:"not null"`
	UsageAmount    int64        `gorm:"not null"`
	TotalAmount    int64        `gorm:"not null"`
	Currency       string       `gorm:"type:text;not null"`
	PeriodStart    time.Time    `gorm:"not null"`
	PeriodEnd      time.Time    `gorm:"not null"`
	PeriodKey      *string      `gorm:"type:text;uniqueIndex"`
	TransactionID  string       `gorm:"type:text"`
	FailureCode    string       `gorm:"type:text"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// PeriodKeyFor builds the paid-invoice conflict key for one billing window.
func PeriodKeyFor(subscriptionID snowflake.ID, periodStart, periodEnd time.Time) string {
	return fmt.Sprintf("%s:%d:%d", subscriptionID, periodStart.UTC().Unix(), periodEnd.UTC().Unix())
}
