package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/clock"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	"github.com/smallbiznis/rebill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  plandomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  plandomain.Repository
}

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("plan.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Create implements domain.Service.
func (s *Service) Create(ctx context.Context, req plandomain.CreatePlanRequest) (*plandomain.PlanResponse, error) {
	code := strings.TrimSpace(strings.ToLower(req.Code))
	if code == "" {
		return nil, plandomain.ErrInvalidCode
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, plandomain.ErrInvalidName
	}
	if req.BaseAmount < 0 {
		return nil, plandomain.ErrInvalidAmount
	}
	if req.TrialDays < 0 {
		return nil, plandomain.ErrInvalidTrialDays
	}
	switch req.BillingPeriod {
	case plandomain.BillingPeriodMonth, plandomain.BillingPeriodYear:
	default:
		return nil, plandomain.ErrInvalidBillingPeriod
	}
	for _, rate := range req.MeterRates {
		if strings.TrimSpace(rate.MeterType) == "" || rate.PricePerUnit < 0 {
			return nil, plandomain.ErrInvalidMeterRate
		}
	}

	now := s.clock.Now()
	plan := plandomain.Plan{
		ID:            s.genID.Generate(),
		Code:          code,
		Name:          name,
		BaseAmount:    req.BaseAmount,
		BillingPeriod: req.BillingPeriod,
		TrialDays:     req.TrialDays,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	rates := make([]plandomain.MeterRate, 0, len(req.MeterRates))
	for _, rate := range req.MeterRates {
		rates = append(rates, plandomain.MeterRate{
			ID:           s.genID.Generate(),
			PlanID:       plan.ID,
			MeterType:    strings.TrimSpace(rate.MeterType),
			PricePerUnit: rate.PricePerUnit,
			CreatedAt:    now,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &plan); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return plandomain.ErrPlanCodeExists
			}
			return err
		}
		return s.repo.InsertRates(ctx, tx, rates)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("plan created",
		zap.String("plan_id", plan.ID.String()),
		zap.String("code", plan.Code),
	)

	resp := toResponse(plan, rates)
	return &resp, nil
}

// Get implements domain.Service.
func (s *Service) Get(ctx context.Context, id string) (*plandomain.PlanResponse, error) {
	planID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, plandomain.ErrPlanNotFound
	}

	plan, err := s.repo.FindByID(ctx, s.db, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}

	rates, err := s.repo.RatesByPlanID(ctx, s.db, plan.ID)
	if err != nil {
		return nil, err
	}

	resp := toResponse(*plan, rates)
	return &resp, nil
}

// GetByCode implements domain.Service.
func (s *Service) GetByCode(ctx context.Context, code string) (*plandomain.PlanResponse, error) {
	code = strings.TrimSpace(strings.ToLower(code))
	if code == "" {
		return nil, plandomain.ErrPlanNotFound
	}

	plan, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}

	rates, err := s.repo.RatesByPlanID(ctx, s.db, plan.ID)
	if err != nil {
		return nil, err
	}

	resp := toResponse(*plan, rates)
	return &resp, nil
}

// ListActive implements domain.Service.
func (s *Service) ListActive(ctx context.Context) ([]plandomain.PlanResponse, error) {
	plans, err := s.repo.ListActive(ctx, s.db)
	if err != nil {
		return nil, err
	}

	out := make([]plandomain.PlanResponse, 0, len(plans))
	for _, plan := range plans {
		rates, err := s.repo.RatesByPlanID(ctx, s.db, plan.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, toResponse(plan, rates))
	}
	return out, nil
}

func toResponse(plan plandomain.Plan, rates []plandomain.MeterRate) plandomain.PlanResponse {
	resp := plandomain.PlanResponse{
		ID:            plan.ID.String(),
		Code:          plan.Code,
		Name:          plan.Name,
		BaseAmount:    plan.BaseAmount,
		BillingPeriod: plan.BillingPeriod,
		TrialDays:     plan.TrialDays,
		Active:        plan.Active,
		CreatedAt:     plan.CreatedAt,
	}
	for _, rate := range rates {
		resp.MeterRates = append(resp.MeterRates, plandomain.MeterRateResponse{
			MeterType:    rate.MeterType,
			PricePerUnit: rate.PricePerUnit,
		})
	}
	return resp
}
