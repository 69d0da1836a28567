package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrNoActiveSubscription = errors.New("no_active_subscription")
	ErrInvalidMeterType     = errors.New("invalid_meter_type")
	ErrInvalidQuantity      = errors.New("invalid_quantity")
	ErrInvalidTenant        = errors.New("invalid_tenant")
)

type RecordUsageRequest struct {
	TenantID       string         `json:"tenant_id"`
	MeterType      string         `json:"meter_type"`
	Quantity       float64        `json:"quantity"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type RecordUsageResponse struct {
	RecordID       string    `json:"record_id"`
	SubscriptionID string    `json:"subscription_id"`
	MeterType      string    `json:"meter_type"`
	Quantity       float64   `json:"quantity"`
	RecordedAt     time.Time `json:"recorded_at"`
	Duplicate      bool      `json:"duplicate,omitempty"`
}

type MeterSummary struct {
	MeterType     string  `json:"meter_type"`
	TotalQuantity float64 `json:"total_quantity"`
}

// ChargeSet is the priced claim over one cycle's usage rows. RecordIDs
// pins the exact rows that were summed, so marking them billed cannot
// swallow a record that committed after the aggregate ran.
type ChargeSet struct {
	Amount    int64
	RecordIDs []snowflake.ID
}

type Service interface {
	Record(ctx context.Context, req RecordUsageRequest) (*RecordUsageResponse, error)
	Summary(ctx context.Context, subscriptionID snowflake.ID) ([]MeterSummary, error)

	// UnbilledCharge locks and prices unbilled usage recorded strictly
	// before cutoff using the given per-meter rates, rounding per meter
	// line. The returned set names the claimed rows.
	UnbilledCharge(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, rates map[string]float64, cutoff time.Time) (*ChargeSet, error)
	// MarkBilled flips exactly the rows UnbilledCharge claimed. Callers
	// run both inside one transaction.
	MarkBilled(ctx context.Context, tx *gorm.DB, recordIDs []snowflake.ID) (int64, error)
	// ArchiveBilled sweeps billed records into the archive table.
	ArchiveBilled(ctx context.Context, limit int) (int64, error)
}
