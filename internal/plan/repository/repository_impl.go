package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() plandomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plans (
			id, code, name, base_amount, billing_period, trial_days, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID,
		plan.Code,
		plan.Name,
		plan.BaseAmount,
		plan.BillingPeriod,
		plan.TrialDays,
		plan.Active,
		plan.CreatedAt,
		plan.UpdatedAt,
	).Error
}

func (r *repo) InsertRates(ctx context.Context, db *gorm.DB, rates []plandomain.MeterRate) error {
	if len(rates) == 0 {
		return nil
	}

	for _, rate := range rates {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO plan_meter_rates (
				id, plan_id, meter_type, price_per_unit, created_at
			) VALUES (?, ?, ?, ?, ?)`,
			rate.ID,
			rate.PlanID,
			rate.MeterType,
			rate.PricePerUnit,
			rate.CreatedAt,
		).Error; err != nil {
			return err
		}
	}

	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*plandomain.Plan, error) {
	var plan plandomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, base_amount, billing_period, trial_days, active, created_at, updated_at
		 FROM plans WHERE id = ?`,
		id,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*plandomain.Plan, error) {
	var plan plandomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, base_amount, billing_period, trial_days, active, created_at, updated_at
		 FROM plans WHERE code = ?`,
		code,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB) ([]plandomain.Plan, error) {
	var plans []plandomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, base_amount, billing_period, trial_days, active, created_at, updated_at
		 FROM plans WHERE active = ? ORDER BY base_amount ASC`,
		true,
	).Scan(&plans).Error
	if err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *repo) RatesByPlanID(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]plandomain.MeterRate, error) {
	var rates []plandomain.MeterRate
	err := db.WithContext(ctx).Raw(
		`SELECT id, plan_id, meter_type, price_per_unit, created_at
		 FROM plan_meter_rates WHERE plan_id = ?`,
		planID,
	).Scan(&rates).Error
	if err != nil {
		return nil, err
	}
	return rates, nil
}
