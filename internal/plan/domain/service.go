package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPlanNotFound         = errors.New("plan_not_found")
	ErrPlanCodeExists       = errors.New("plan_code_exists")
	ErrInvalidCode          = errors.New("invalid_plan_code")
	ErrInvalidName          = errors.New("invalid_plan_name")
	ErrInvalidAmount        = errors.New("invalid_plan_amount")
	ErrInvalidBillingPeriod = errors.New("invalid_billing_period")
	ErrInvalidTrialDays     = errors.New("invalid_trial_days")
	ErrInvalidMeterRate     = errors.New("invalid_meter_rate")
)

type CreateMeterRateRequest struct {
	MeterType    string  `json:"meter_type"`
	PricePerUnit float64 `json:"price_per_unit"`
}

type CreatePlanRequest struct {
	Code          string                   `json:"code"`
	Name          string                   `json:"name"`
	BaseAmount    int64                    `json:"base_amount"`
	BillingPeriod BillingPeriod            `json:"billing_period"`
	TrialDays     int                      `json:"trial_days,omitempty"`
	MeterRates    []CreateMeterRateRequest `json:"meter_rates,omitempty"`
}

type PlanResponse struct {
	ID            string        `json:"id"`
	Code          string        `json:"code"`
	Name          string        `json:"name"`
	BaseAmount    int64         `json:"base_amount"`
	BillingPeriod BillingPeriod `json:"billing_period"`
	TrialDays     int           `json:"trial_days"`
	Active        bool          `json:"active"`
	MeterRates    []MeterRateResponse `json:"meter_rates,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

type MeterRateResponse struct {
	MeterType    string  `json:"meter_type"`
	PricePerUnit float64 `json:"price_per_unit"`
}

type Service interface {
	Create(ctx context.Context, req CreatePlanRequest) (*PlanResponse, error)
	Get(ctx context.Context, id string) (*PlanResponse, error)
	GetByCode(ctx context.Context, code string) (*PlanResponse, error)
	ListActive(ctx context.Context) ([]PlanResponse, error)
}
