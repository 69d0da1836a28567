// Package domain contains persistence models and contracts for
// subscription lifecycle management.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Subscription binds a tenant to a plan and tracks its billing period.
// Version is an optimistic lock: every lifecycle or billing update
// increments it and guards on the previous value. ActiveKey holds the
// tenant ID while the subscription is non-canceled and NULL afterwards;
// its unique index is what enforces one live subscription per tenant
// under concurrent creates.
type Subscription struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	TenantID           snowflake.ID `gorm:"not null;index"`
	PlanID             snowflake.ID `gorm:"not null;index"`
	Status             Status       `gorm:"type:text;not null;index"`
	ActiveKey          *string      `gorm:"type:text;uniqueIndex"`
	Quantity           int          `gorm:"not null;default:1"`
	TrialEnd           *time.Time   `gorm:""`
	CurrentPeriodStart time.Time    `gorm:"not null"`
	CurrentPeriodEnd   time.Time    `gorm:"not null;index"`
	CancelAtPeriodEnd  bool         `gorm:"not null;default:false"`
	EndsAt             *time.Time   `gorm:""`
	CanceledAt         *time.Time   `gorm:""`
	FailedPaymentCount int          `gorm:"not null;default:0"`
	LastPaymentError   *string      `gorm:"type:text"`
	LastBilledAt       *time.Time   `gorm:""`
	Version            int64        `gorm:"not null;default:1"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// transitions enumerates the legal status moves. Canceled is terminal.
var transitions = map[Status][]Status{
	StatusTrialing: {StatusActive, StatusCanceled},
	StatusActive:   {StatusPastDue, StatusCanceled},
	StatusPastDue:  {StatusActive, StatusCanceled},
	StatusCanceled: {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
