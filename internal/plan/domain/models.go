// Package domain contains persistence models for billing plans.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// BillingPeriod is the recurrence unit of a plan.
type BillingPeriod string

const (
	BillingPeriodMonth BillingPeriod = "month"
	BillingPeriodYear  BillingPeriod = "year"
)

// Plan is a priced billing agreement template.
type Plan struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	Code          string        `gorm:"type:text;not null;uniqueIndex"`
	Name          string        `gorm:"type:text;not null"`
	BaseAmount    int64         `gorm:"not null"`
	BillingPeriod BillingPeriod `gorm:"type:text;not null"`
	TrialDays     int           `gorm:"not null;default:0"`
	Active        bool          `gorm:"not null;default:true"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// MeterRate prices one meter type under a plan, in cents per unit.
type MeterRate struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	PlanID       snowflake.ID `gorm:"not null;index"`
	MeterType    string       `gorm:"type:text;not null"`
	PricePerUnit float64      `gorm:"not null"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (MeterRate) TableName() string { return "plan_meter_rates" }
