// Package domain defines the payment gateway abstraction used for
// recurring charges. Adapters translate provider wire formats; callers
// only see ChargeResult and the sentinel errors below.
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrGatewayUnavailable marks transport-level failures (timeouts,
	// 5xx) where the charge outcome is unknown and retry is safe only
	// with an idempotency key.
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
	// ErrPaymentDeclined is returned by callers that need a declined
	// ChargeResult surfaced as an error (synchronous charges).
	ErrPaymentDeclined    = errors.New("payment_declined")
	ErrProviderNotFound   = errors.New("gateway_provider_not_found")
	ErrInvalidConfig      = errors.New("gateway_invalid_config")
	ErrInvalidCharge      = errors.New("gateway_invalid_charge")
)

// ChargeRequest asks the provider to capture a payment.
type ChargeRequest struct {
	Token          string
	Amount         int64
	Currency       string
	Description    string
	IdempotencyKey string
}

// ChargeResult is the provider's decision. A decline is a result, not an
// error: Succeeded=false with a DeclineCode.
type ChargeResult struct {
	Succeeded     bool
	TransactionID string
	DeclineCode   string
}

type RefundRequest struct {
	TransactionID string
	Amount        int64
}

type RefundResult struct {
	Succeeded bool
	RefundID  string
}

// PaymentGateway charges and refunds tokenized payment methods.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// Config configures a provider adapter.
type Config struct {
	SecretKey string
	Endpoint  string
	Timeout   time.Duration
}

// Factory builds a gateway adapter for one provider.
type Factory interface {
	Provider() string
	NewGateway(cfg Config) (PaymentGateway, error)
}
