package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/rebill/internal/audit/domain"
	"github.com/smallbiznis/rebill/internal/clock"
	gatewaydomain "github.com/smallbiznis/rebill/internal/gateway/domain"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	"github.com/smallbiznis/rebill/internal/notification"
	pmdomain "github.com/smallbiznis/rebill/internal/paymentmethod/domain"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	"github.com/smallbiznis/rebill/internal/proration"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/rebill/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	repo        subscriptiondomain.Repository
	planRepo    plandomain.Repository
	pmRepo      pmdomain.Repository
	invoiceRepo invoicedomain.Repository

	usageSvc usagedomain.Service
	gateway  gatewaydomain.PaymentGateway
	notifier *notification.Notifier
	audit    auditdomain.Service

	currency string
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock

	Repo        subscriptiondomain.Repository
	PlanRepo    plandomain.Repository
	PMRepo      pmdomain.Repository
	InvoiceRepo invoicedomain.Repository

	UsageSvc usagedomain.Service
	Gateway  gatewaydomain.PaymentGateway
	Notifier *notification.Notifier
	Audit    auditdomain.Service
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: p.Clock,

		repo:        p.Repo,
		planRepo:    p.PlanRepo,
		pmRepo:      p.PMRepo,
		invoiceRepo: p.InvoiceRepo,

		usageSvc: p.UsageSvc,
		gateway:  p.Gateway,
		notifier: p.Notifier,
		audit:    p.Audit,

		currency: "USD",
	}
}

// Create implements domain.Service.
func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (*subscriptiondomain.CreateSubscriptionResponse, error) {
	tenantID, err := snowflake.ParseString(strings.TrimSpace(req.TenantID))
	if err != nil {
		return nil, subscriptiondomain.ErrInvalidTenant
	}
	planID, err := snowflake.ParseString(strings.TrimSpace(req.PlanID))
	if err != nil {
		return nil, plandomain.ErrPlanNotFound
	}
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 {
		return nil, subscriptiondomain.ErrInvalidQuantity
	}

	plan, err := s.planRepo.FindByID(ctx, s.db, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil || !plan.Active {
		return nil, plandomain.ErrPlanNotFound
	}

	now := s.clock.Now()
	activeKey := tenantID.String()
	subscription := subscriptiondomain.Subscription{
		ID:                 s.genID.Generate(),
		TenantID:           tenantID,
		PlanID:             plan.ID,
		Status:             subscriptiondomain.StatusActive,
		ActiveKey:          &activeKey,
		Quantity:           quantity,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   plan.BillingPeriod.Advance(now),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if plan.TrialDays > 0 {
		// The first paid period starts when the trial ends, so the
		// trial end is also the first billing date.
		trialEnd := now.AddDate(0, 0, plan.TrialDays)
		subscription.Status = subscriptiondomain.StatusTrialing
		subscription.TrialEnd = &trialEnd
		subscription.CurrentPeriodEnd = trialEnd
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindCurrentByTenantID(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if existing != nil {
			return subscriptiondomain.ErrSubscriptionExists
		}

		if err := s.repo.Insert(ctx, tx, &subscription); err != nil {
			return err
		}

		if req.PaymentMethod != nil {
			if err := s.storePaymentMethod(ctx, tx, tenantID, *req.PaymentMethod, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, auditdomain.Entry{
		TenantID:   tenantID,
		Action:     "subscription.created",
		TargetType: "subscription",
		TargetID:   subscription.ID.String(),
		Metadata: map[string]any{
			"plan_id": plan.ID.String(),
			"status":  string(subscription.Status),
		},
	})
	s.notifier.Notify(ctx, tenantID, notification.EventSubscriptionCreated, map[string]any{
		"plan_name": plan.Name,
	})

	s.log.Info("subscription created",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.String("status", string(subscription.Status)),
	)

	return &subscriptiondomain.CreateSubscriptionResponse{
		SubscriptionID:     subscription.ID.String(),
		Status:             subscription.Status,
		TrialEnd:           subscription.TrialEnd,
		CurrentPeriodStart: subscription.CurrentPeriodStart,
		CurrentPeriodEnd:   subscription.CurrentPeriodEnd,
	}, nil
}

func (s *Service) storePaymentMethod(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, input subscriptiondomain.PaymentMethodInput, now time.Time) error {
	if strings.TrimSpace(input.GatewayToken) == "" {
		return pmdomain.ErrNoPaymentMethod
	}
	if err := s.pmRepo.DemoteDefaults(ctx, tx, tenantID); err != nil {
		return err
	}

	methodType := strings.TrimSpace(input.Type)
	if methodType == "" {
		methodType = "card"
	}
	return s.pmRepo.Insert(ctx, tx, &pmdomain.PaymentMethod{
		ID:           s.genID.Generate(),
		TenantID:     tenantID,
		Type:         methodType,
		LastFour:     strings.TrimSpace(input.LastFour),
		ExpMonth:     input.ExpMonth,
		ExpYear:      input.ExpYear,
		GatewayToken: strings.TrimSpace(input.GatewayToken),
		IsDefault:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// Cancel implements domain.Service.
func (s *Service) Cancel(ctx context.Context, req subscriptiondomain.CancelSubscriptionRequest) (*subscriptiondomain.CancelSubscriptionResponse, error) {
	tenantID, err := snowflake.ParseString(strings.TrimSpace(req.TenantID))
	if err != nil {
		return nil, subscriptiondomain.ErrInvalidTenant
	}

	now := s.clock.Now()
	var subscription *subscriptiondomain.Subscription

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindCurrentByTenantID(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if current == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		locked, err := s.repo.FindByIDForUpdate(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		if locked == nil || locked.Status == subscriptiondomain.StatusCanceled {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		if req.Immediate {
			if !subscriptiondomain.CanTransition(locked.Status, subscriptiondomain.StatusCanceled) {
				return subscriptiondomain.ErrInvalidTransition
			}
			locked.Status = subscriptiondomain.StatusCanceled
			locked.CancelAtPeriodEnd = false
			locked.EndsAt = &now
			locked.CanceledAt = &now
		} else {
			endsAt := locked.CurrentPeriodEnd
			locked.CancelAtPeriodEnd = true
			locked.EndsAt = &endsAt
		}
		locked.UpdatedAt = now

		if err := s.repo.UpdateLifecycle(ctx, tx, locked); err != nil {
			return err
		}
		subscription = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, auditdomain.Entry{
		TenantID:   tenantID,
		Action:     "subscription.cancel_requested",
		TargetType: "subscription",
		TargetID:   subscription.ID.String(),
		Metadata: map[string]any{
			"immediate": req.Immediate,
		},
	})
	if req.Immediate {
		s.notifier.Notify(ctx, tenantID, notification.EventSubscriptionCanceled, nil)
	}

	return &subscriptiondomain.CancelSubscriptionResponse{
		SubscriptionID:    subscription.ID.String(),
		Status:            subscription.Status,
		CancelAtPeriodEnd: subscription.CancelAtPeriodEnd,
		EndsAt:            subscription.EndsAt,
		CanceledAt:        subscription.CanceledAt,
	}, nil
}

// Upgrade implements domain.Service. Upgrades swap the plan immediately
// and charge the prorated difference up front; the period end does not
// move. Downgrades take effect with a zero proration charge.
func (s *Service) Upgrade(ctx context.Context, req subscriptiondomain.UpgradeSubscriptionRequest) (*subscriptiondomain.UpgradeSubscriptionResponse, error) {
	tenantID, err := snowflake.ParseString(strings.TrimSpace(req.TenantID))
	if err != nil {
		return nil, subscriptiondomain.ErrInvalidTenant
	}
	newPlanID, err := snowflake.ParseString(strings.TrimSpace(req.NewPlanID))
	if err != nil {
		return nil, plandomain.ErrPlanNotFound
	}

	now := s.clock.Now()
	var (
		subscription *subscriptiondomain.Subscription
		amount       int64
		charged      bool
	)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindCurrentByTenantID(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if current == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		locked, err := s.repo.FindByIDForUpdate(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if locked.Status != subscriptiondomain.StatusActive && locked.Status != subscriptiondomain.StatusTrialing {
			return subscriptiondomain.ErrInvalidTransition
		}
		if locked.PlanID == newPlanID {
			return subscriptiondomain.ErrSamePlan
		}

		oldPlan, err := s.planRepo.FindByID(ctx, tx, locked.PlanID)
		if err != nil {
			return err
		}
		newPlan, err := s.planRepo.FindByID(ctx, tx, newPlanID)
		if err != nil {
			return err
		}
		if newPlan == nil || !newPlan.Active {
			return plandomain.ErrPlanNotFound
		}

		// Trials swap plans free; paid periods owe the prorated difference.
		if locked.Status == subscriptiondomain.StatusActive && oldPlan != nil {
			quantity := int64(locked.Quantity)
			amount = proration.Compute(
				oldPlan.BaseAmount*quantity,
				newPlan.BaseAmount*quantity,
				locked.CurrentPeriodStart,
				locked.CurrentPeriodEnd,
				now,
			)
		}

		if amount > 0 {
			method, err := s.pmRepo.FindDefaultByTenantID(ctx, tx, tenantID)
			if err != nil {
				return err
			}
			if method == nil {
				return pmdomain.ErrNoPaymentMethod
			}

			result, err := s.gateway.Charge(ctx, gatewaydomain.ChargeRequest{
				Token:          method.GatewayToken,
				Amount:         amount,
				Currency:       s.currency,
				Description:    fmt.Sprintf("plan change to %s", newPlan.Code),
				IdempotencyKey: fmt.Sprintf("upgrade:%s:%d", locked.ID, locked.Version),
			})
			if err != nil {
				return err
			}
			if !result.Succeeded {
				return gatewaydomain.ErrPaymentDeclined
			}

			inv := invoicedomain.Invoice{
				ID:             s.genID.Generate(),
				SubscriptionID: locked.ID,
				TenantID:       tenantID,
				PlanID:         newPlan.ID,
				Status:         invoicedomain.StatusPaid,
				BaseAmount:     amount,
				TotalAmount:    amount,
				Currency:       s.currency,
				PeriodStart:    now,
				PeriodEnd:      locked.CurrentPeriodEnd,
				TransactionID:  result.TransactionID,
				CreatedAt:      now,
			}
			if _, err := s.invoiceRepo.Insert(ctx, tx, &inv); err != nil {
				return err
			}
			charged = true
		}

		locked.PlanID = newPlan.ID
		locked.UpdatedAt = now
		if err := s.repo.UpdatePlan(ctx, tx, locked); err != nil {
			return err
		}
		subscription = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, auditdomain.Entry{
		TenantID:   tenantID,
		Action:     "subscription.plan_changed",
		TargetType: "subscription",
		TargetID:   subscription.ID.String(),
		Metadata: map[string]any{
			"new_plan_id":      newPlanID.String(),
			"proration_amount": amount,
		},
	})
	if charged {
		s.notifier.Notify(ctx, tenantID, notification.EventPaymentSuccessful, map[string]any{
			"amount":   amount,
			"currency": s.currency,
		})
	}

	return &subscriptiondomain.UpgradeSubscriptionResponse{
		SubscriptionID:  subscription.ID.String(),
		PlanID:          subscription.PlanID.String(),
		ProrationAmount: amount,
		Charged:         charged,
	}, nil
}

// GetStatus implements domain.Service.
func (s *Service) GetStatus(ctx context.Context, tenantID string) (*subscriptiondomain.StatusResponse, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(tenantID))
	if err != nil {
		return nil, subscriptiondomain.ErrInvalidTenant
	}

	subscription, err := s.repo.FindCurrentByTenantID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	plan, err := s.planRepo.FindByID(ctx, s.db, subscription.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	rates, err := s.planRepo.RatesByPlanID(ctx, s.db, plan.ID)
	if err != nil {
		return nil, err
	}

	usageSummary, err := s.usageSvc.Summary(ctx, subscription.ID)
	if err != nil {
		return nil, err
	}

	planResp := plandomain.PlanResponse{
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
		planResp.MeterRates = append(planResp.MeterRates, plandomain.MeterRateResponse{
			MeterType:    rate.MeterType,
			PricePerUnit: rate.PricePerUnit,
		})
	}

	return &subscriptiondomain.StatusResponse{
		SubscriptionID:     subscription.ID.String(),
		TenantID:           subscription.TenantID.String(),
		Status:             subscription.Status,
		Plan:               planResp,
		Quantity:           subscription.Quantity,
		TrialEnd:           subscription.TrialEnd,
		CurrentPeriodStart: subscription.CurrentPeriodStart,
		CurrentPeriodEnd:   subscription.CurrentPeriodEnd,
		CancelAtPeriodEnd:  subscription.CancelAtPeriodEnd,
		FailedPaymentCount: subscription.FailedPaymentCount,
		LastPaymentError:   subscription.LastPaymentError,
		CurrentUsage:       usageSummary,
	}, nil
}

// Transition implements domain.Service. It is the low-level status move
// used by operators; lifecycle rules still apply.
func (s *Service) Transition(ctx context.Context, req subscriptiondomain.TransitionRequest) error {
	id, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}

	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if !subscriptiondomain.CanTransition(locked.Status, req.To) {
			return subscriptiondomain.ErrInvalidTransition
		}

		locked.Status = req.To
		if req.To == subscriptiondomain.StatusCanceled {
			locked.CanceledAt = &now
			locked.EndsAt = &now
		}
		locked.UpdatedAt = now
		return s.repo.UpdateLifecycle(ctx, tx, locked)
	})
}
