package domain

import (
	"context"
	"errors"
	"time"

	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	usagedomain "github.com/smallbiznis/rebill/internal/usage/domain"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrSubscriptionExists   = errors.New("subscription_exists")
	ErrSubscriptionCanceled = errors.New("subscription_canceled")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidQuantity      = errors.New("invalid_quantity")
	ErrSamePlan             = errors.New("same_plan")
	ErrConcurrencyConflict  = errors.New("concurrency_conflict")
)

type PaymentMethodInput struct {
	Type         string `json:"type"`
	LastFour     string `json:"last_four,omitempty"`
	ExpMonth     *int   `json:"exp_month,omitempty"`
	ExpYear      *int   `json:"exp_year,omitempty"`
	GatewayToken string `json:"gateway_token"`
}

type CreateSubscriptionRequest struct {
	TenantID      string              `json:"tenant_id"`
	PlanID        string              `json:"plan_id"`
	Quantity      int                 `json:"quantity,omitempty"`
	PaymentMethod *PaymentMethodInput `json:"payment_method,omitempty"`
}

type CreateSubscriptionResponse struct {
	SubscriptionID     string     `json:"subscription_id"`
	Status             Status     `json:"status"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
}

type CancelSubscriptionRequest struct {
	TenantID  string `json:"tenant_id"`
	Immediate bool   `json:"immediate,omitempty"`
}

type CancelSubscriptionResponse struct {
	SubscriptionID    string     `json:"subscription_id"`
	Status            Status     `json:"status"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	EndsAt            *time.Time `json:"ends_at,omitempty"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`
}

type UpgradeSubscriptionRequest struct {
	TenantID  string `json:"tenant_id"`
	NewPlanID string `json:"new_plan_id"`
}

type UpgradeSubscriptionResponse struct {
	SubscriptionID  string `json:"subscription_id"`
	PlanID          string `json:"plan_id"`
	ProrationAmount int64  `json:"proration_amount"`
	Charged         bool   `json:"charged"`
}

type StatusResponse struct {
	SubscriptionID     string                     `json:"subscription_id"`
	TenantID           string                     `json:"tenant_id"`
	Status             Status                     `json:"status"`
	Plan               plandomain.PlanResponse    `json:"plan"`
	Quantity           int                        `json:"quantity"`
	TrialEnd           *time.Time                 `json:"trial_end,omitempty"`
	CurrentPeriodStart time.Time                  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time                  `json:"current_period_end"`
	CancelAtPeriodEnd  bool                       `json:"cancel_at_period_end"`
	FailedPaymentCount int                        `json:"failed_payment_count"`
	LastPaymentError   *string                    `json:"last_payment_error,omitempty"`
	CurrentUsage       []usagedomain.MeterSummary `json:"current_usage,omitempty"`
}

type TransitionRequest struct {
	SubscriptionID string `json:"subscription_id"`
	To             Status `json:"to"`
}

type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (*CreateSubscriptionResponse, error)
	Cancel(ctx context.Context, req CancelSubscriptionRequest) (*CancelSubscriptionResponse, error)
	Upgrade(ctx context.Context, req UpgradeSubscriptionRequest) (*UpgradeSubscriptionResponse, error)
	GetStatus(ctx context.Context, tenantID string) (*StatusResponse, error)
	Transition(ctx context.Context, req TransitionRequest) error
}
