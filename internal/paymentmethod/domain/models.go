// Package domain contains persistence models for stored payment methods.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var ErrNoPaymentMethod = errors.New("no_payment_method")

// PaymentMethod stores a tokenized payment instrument. Only the gateway
// token and display metadata are persisted, never raw card data.
type PaymentMethod struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	TenantID     snowflake.ID `gorm:"not null;index"`
	Type         string       `gorm:"type:text;not null"`
	LastFour     string       `gorm:"type:text"`
	ExpMonth     *int         `gorm:""`
	ExpYear      *int         `gorm:""`
	GatewayToken string       `gorm:"type:text;not null"`
	IsDefault    bool         `gorm:"not null;default:false"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentMethod) TableName() string { return "payment_methods" }
