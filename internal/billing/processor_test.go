package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/rebill/internal/audit/domain"
	auditservice "github.com/smallbiznis/rebill/internal/audit/service"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/dunning"
	gatewaydomain "github.com/smallbiznis/rebill/internal/gateway/domain"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	invoicerepository "github.com/smallbiznis/rebill/internal/invoice/repository"
	"github.com/smallbiznis/rebill/internal/notification"
	pmdomain "github.com/smallbiznis/rebill/internal/paymentmethod/domain"
	pmrepository "github.com/smallbiznis/rebill/internal/paymentmethod/repository"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	planrepository "github.com/smallbiznis/rebill/internal/plan/repository"
	"github.com/smallbiznis/rebill/internal/providers/email"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/rebill/internal/subscription/repository"
	usagedomain "github.com/smallbiznis/rebill/internal/usage/domain"
	usagerepository "github.com/smallbiznis/rebill/internal/usage/repository"
	usageservice "github.com/smallbiznis/rebill/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// stubGateway returns scripted charge results and records every request.
type stubGateway struct {
	mu           sync.Mutex
	requests     []gatewaydomain.ChargeRequest
	decline      bool
	declineToken string
	err          error
}

func (g *stubGateway) Charge(ctx context.Context, req gatewaydomain.ChargeRequest) (*gatewaydomain.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	if g.decline || (g.declineToken != "" && req.Token == g.declineToken) {
		return &gatewaydomain.ChargeResult{Succeeded: false, DeclineCode: "card_declined"}, nil
	}
	return &gatewaydomain.ChargeResult{
		Succeeded:     true,
		TransactionID: fmt.Sprintf("txn_%d", len(g.requests)),
	}, nil
}

func (g *stubGateway) Refund(ctx context.Context, req gatewaydomain.RefundRequest) (*gatewaydomain.RefundResult, error) {
	return &gatewaydomain.RefundResult{Succeeded: true, RefundID: "re_1"}, nil
}

func (g *stubGateway) charges() []gatewaydomain.ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gatewaydomain.ChargeRequest, len(g.requests))
	copy(out, g.requests)
	return out
}

type billingEnv struct {
	db      *gorm.DB
	clock   *clock.FakeClock
	gateway *stubGateway
	genID   *snowflake.Node
	proc    *Processor
}

func newBillingEnv(t *testing.T) *billingEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&notification.Tenant{},
		&plandomain.Plan{},
		&plandomain.MeterRate{},
		&subscriptiondomain.Subscription{},
		&pmdomain.PaymentMethod{},
		&usagedomain.Record{},
		&usagedomain.ArchivedRecord{},
		&invoicedomain.Invoice{},
		&auditdomain.Log{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	log := zap.NewNop()
	fake := clock.NewFakeClock(time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC))
	gw := &stubGateway{}

	subRepo := subscriptionrepository.Provide()
	planRepo := planrepository.Provide()
	pmRepo := pmrepository.Provide()
	invoiceRepo := invoicerepository.Provide()

	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB:               db,
		Log:              log,
		GenID:            node,
		Clock:            fake,
		Repo:             usagerepository.Provide(),
		SubscriptionRepo: subRepo,
	})
	auditSvc := auditservice.NewService(auditservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fake,
	})
	notifier := notification.NewNotifier(notification.NotifierParam{
		DB: db, Log: log, Provider: email.NewNoOp(),
	})
	dun := dunning.NewManager(dunning.ManagerParam{
		Log: log, Repo: subRepo, Config: dunning.Config{Threshold: 3},
	})

	proc, err := NewProcessor(ProcessorParam{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       fake,
		Cfg:         Config{BatchSize: 10, Workers: 1},
		SubRepo:     subRepo,
		PlanRepo:    planRepo,
		PMRepo:      pmRepo,
		InvoiceRepo: invoiceRepo,
		UsageSvc:    usageSvc,
		Gateway:     gw,
		Dunning:     dun,
		Notifier:    notifier,
		Audit:       auditSvc,
	})
	require.NoError(t, err)

	return &billingEnv{db: db, clock: fake, gateway: gw, genID: node, proc: proc}
}

func (e *billingEnv) seedPlan(t *testing.T, baseAmount int64, rates map[string]float64) *plandomain.Plan {
	t.Helper()
	plan := &plandomain.Plan{
		ID:            e.genID.Generate(),
		Code:          fmt.Sprintf("plan-%s", e.genID.Generate()),
		Name:          "Starter",
		BaseAmount:    baseAmount,
		BillingPeriod: plandomain.BillingPeriodMonth,
		Active:        true,
	}
	require.NoError(t, e.db.Create(plan).Error)
	for meterType, price := range rates {
		require.NoError(t, e.db.Create(&plandomain.MeterRate{
			ID:           e.genID.Generate(),
			PlanID:       plan.ID,
			MeterType:    meterType,
			PricePerUnit: price,
		}).Error)
	}
	return plan
}

func (e *billingEnv) seedSubscription(t *testing.T, plan *plandomain.Plan, mutate func(*subscriptiondomain.Subscription)) *subscriptiondomain.Subscription {
	t.Helper()
	now := e.clock.Now()
	sub := &subscriptiondomain.Subscription{
		ID:                 e.genID.Generate(),
		TenantID:           e.genID.Generate(),
		PlanID:             plan.ID,
		Status:             subscriptiondomain.StatusActive,
		Quantity:           1,
		CurrentPeriodStart: now.AddDate(0, -1, 0),
		CurrentPeriodEnd:   now.Add(-time.Hour),
		Version:            1,
		CreatedAt:          now.AddDate(0, -1, 0),
		UpdatedAt:          now.AddDate(0, -1, 0),
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, e.db.Create(sub).Error)
	return sub
}

func (e *billingEnv) seedPaymentMethod(t *testing.T, tenantID snowflake.ID) {
	e.seedPaymentMethodToken(t, tenantID, "tok_visa")
}

func (e *billingEnv) seedPaymentMethodToken(t *testing.T, tenantID snowflake.ID, token string) {
	t.Helper()
	require.NoError(t, e.db.Create(&pmdomain.PaymentMethod{
		ID:           e.genID.Generate(),
		TenantID:     tenantID,
		Type:         "card",
		LastFour:     "4242",
		GatewayToken: token,
		IsDefault:    true,
	}).Error)
}

func (e *billingEnv) seedUsage(t *testing.T, sub *subscriptiondomain.Subscription, meterType string, quantity float64) {
	t.Helper()
	require.NoError(t, e.db.Create(&usagedomain.Record{
		ID:             e.genID.Generate(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		MeterType:      meterType,
		Quantity:       quantity,
		RecordedAt:     e.clock.Now().Add(-time.Minute),
	}).Error)
}

func (e *billingEnv) reload(t *testing.T, id snowflake.ID) *subscriptiondomain.Subscription {
	t.Helper()
	var sub subscriptiondomain.Subscription
	require.NoError(t, e.db.First(&sub, "id = ?", id).Error)
	return &sub
}

func (e *billingEnv) invoicesFor(t *testing.T, subID snowflake.ID) []invoicedomain.Invoice {
	t.Helper()
	var invoices []invoicedomain.Invoice
	require.NoError(t, e.db.Order("created_at asc, id asc").Find(&invoices, "subscription_id = ?", subID).Error)
	return invoices
}

func TestProcessRecurringBilling_ChargesBaseAndMeteredUsage(t *testing.T) {
	env := newBillingEnv(t)
	plan := env.seedPlan(t, 1000, map[string]float64{"api_call": 1.0})
	sub := env.seedSubscription(t, plan, nil)
	env.seedPaymentMethod(t, sub.TenantID)
	env.seedUsage(t, sub, "api_call", 100)

	oldEnd := sub.CurrentPeriodEnd

	result, err := env.proc.ProcessRecurringBilling(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Succeeded)

	charges := env.gateway.charges()
	require.Len(t, charges, 1)
	assert.Equal(t, int64(1100), charges[0].Amount)
	assert.Equal(t, "tok_visa", charges[0].Token)
	assert.NotEmpty(t, charges[0].IdempotencyKey)

	invoices := env.invoicesFor(t, sub.ID)
	require.Len(t, invoices, 1)
	assert.Equal(t, invoicedomain.StatusPaid, invoices[0].Status)
	assert.Equal(t, int64(1000), invoices[0].BaseAmount)
	assert.Equal(t, int64(100), invoices[0].UsageAmount)
	assert.Equal(t, int64(1100), invoices[0].TotalAmount)
	require.NotNil(t, invoices[0].PeriodKey)

	reloaded := env.reload(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, reloaded.Status)
	assert.True(t, reloaded.CurrentPeriodStart.Equal(oldEnd.UTC()))
	assert.True(t, reloaded.CurrentPeriodEnd.After(reloaded.CurrentPeriodStart))
	assert.Greater(t, reloaded.Version, sub.Version)

	var unbilled int64
	require.NoError(t, env.db.Model(&usagedomain.Record{}).
		Where("subscription_id = ? AND billed = ?", sub.ID, false).
		Count(&unbilled).Error)
	assert.Zero(t, unbilled)

	// The audit entry rides the billing transaction and must be
	// committed alongside the invoice.
	var audited int64
	require.NoError(t, env.db.Model(&auditdomain.Log{}).
		Where("tenant_id = ? AND action = ?", sub.TenantID, "billing.charged").
		Count(&audited).Error)
	assert.Equal(t, int64(1), audited)
}

func TestProcessRecurringBilling_SecondRunDoesNotDoubleCharge(t *testing.T) {
	env := newBillingEnv(t)
	plan := env.seedPlan(t, 2500, nil)
	sub := env.seedSubscription(t, plan, nil)
	env.seedPaymentMethod(t, sub.TenantID)

	_, err := env.proc.ProcessRecurringBilling(context.Background())
	require.NoError(t, err)

	result, err := env.proc.ProcessRecurringBilling(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Processed)

	assert.Len(t, env.gateway.charges(), 1)
	assert.Len(t, env.invoicesFor(t, sub.ID), 1)
}

func TestProcessRecurringBilling_FailedSubscriptionNotRetriedWithinRun(t *testing.T) {
	env := newBillingEnv(t)
	env.proc.cfg.BatchSize = 1
	plan := env.seedPlan(t, 1000, nil)

	declining := env.seedSubscription(t, plan, func(s *subscriptiondomain.Subscription) {
		s.CurrentPeriodEnd = env.clock.Now().Add(-2 * time.Hour)
	})
	healthy := env.seedSubscription(t, plan, nil)
	env.seedPaymentMethodToken(t, declining.TenantID, "tok_bad")
	env.seedPaymentMethodToken(t, healthy.TenantID, "tok_visa")
	env.gateway.declineToken = "tok_bad"

	result, err := env.proc.ProcessRecurringBilling(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	// The declined subscription is still due, but one run means one
	// attempt: the retry belongs to the next scheduled cycle.
	var declineCharges int
	for _, charge := range env.gateway.charges() {
		if charge.Token == "tok_bad" {
			declineCharges++
		}
	}
	assert.Equal(t, 1, declineCharges)
	assert.Equal(t, 1, env.reload(t, declining.ID).FailedPaymentCount)
	assert.Len(t, env.invoicesFor(t, declining.ID), 1)
}

func TestRunOnce_ActivatesExpiredTrialThenCharges(t *testing.T) {
	env := newBillingEnv(t)
	plan := env.seedPlan(t, 1500, nil)
	trialEnd := env.clock.Now().Add(-time.Hour)
	sub := env.seedSubscription(t, plan, func(s *subscriptiondomain.Subscription) {
		s.Status = subscriptiondomain.StatusTrialing
		s.TrialEnd = &trialEnd
	})
	env.seedPaymentMethod(t, sub.TenantID)

	result, err := env.proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	reloaded := env.reload(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, reloaded.Status)

	invoices := env.invoicesFor(t, sub.ID)
	require.Len(t, invoices, 1)
	assert.Equal(t, invoicedomain.StatusPaid, invoices[0].Status)
	assert.Equal(t, int64(1500), invoices[0].TotalAmount)
}

func TestProcessRecurringBilling_TrialingSubscriptionNotCharged(t *testing.T) {
	env := newBillingEnv(t)
	plan := env.seedPlan(t, 1500, nil)
	trialEnd := env.clock.Now().Add(72 * time.Hour)
	sub := env.seedSubscription(t, plan, func(s *subscriptiondomain.Subscription) {
		s.Status = subscriptiondomain.StatusTrialing
		s.TrialEnd = &trialEnd
	})
	env.seedPaymentMethod(t, sub.TenantID)

	_, err := env.proc.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, env.gateway.charges())
	assert.Empty(t, env.invoicesFor(t, sub.ID))
	assert.Equal(t, subscriptiondomain.StatusTrialing, env.reload(t, sub.ID).Status)
}

func TestProcessRecurringBilling_DeclinesEscalateThenRecover(t *testing.T) {
	env := newBillingEnv(t)
	plan := env.seedPlan(t, 1000, nil)
	sub := env.seedSubscription(t, plan, nil)
	env.seedPaymentMethod(t, sub.TenantID)

	env.gateway.decline = true
	for i := 0; i < 3; i++ {
		result, err := env.proc.ProcessRecurringBilling(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed, "attempt %d", i+1)
	}

	reloaded := env.reload(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusPastDue, reloaded.Status)
	assert.Equal(t, 3, reloaded.FailedPaymentCount)
	require.NotNil(t, reloaded.LastPaymentError)
	assert.Equal(t, "card_declined", *reloaded.LastPaymentError)

	invoices := env.invoicesFor(t, sub.ID)
	require.Len(t, invoices, 3)
	for _, inv := range invoices {
		assert.Equal(t, invoicedomain.StatusFailed, inv.Status)
		assert.Nil(t, inv.PeriodKey)
	}

	// Past-due subscriptions stay in the billing pool; a later success
	// reactivates and clears the failure streak.
	env.gateway.decline = false
	result, err := env.proc.ProcessRecurringBilling(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	recovered := env.reload(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, recovered.Status)
	assert.Zero(t, recovered.FailedPaymentCount)
	assert.Nil(t, recovered.LastPaymentError)
}

func TestProcessRecurringBilling_MissingPaymentMethodDoesNotBlockOthers(t *testing.T) {
	env := newBillingEnv(t)
	plan := env.seedPlan(t, 1000, nil)
	broke := env.seedSubscription(t, plan, nil)
	healthy := env.seedSubscription(t, plan, nil)
	env.seedPaymentMethod(t, healthy.TenantID)

	result, err := env.proc.ProcessRecurringBilling(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	brokeInvoices := env.invoicesFor(t, broke.ID)
	require.Len(t, brokeInvoices, 1)
	assert.Equal(t, invoicedomain.StatusFailed, brokeInvoices[0].Status)
	assert.Equal(t, "no_payment_method", brokeInvoices[0].FailureCode)
	assert.Equal(t, 1, env.reload(t, broke.ID).FailedPaymentCount)

	healthyInvoices := env.invoicesFor(t, healthy.ID)
	require.Len(t, healthyInvoices, 1)
	assert.Equal(t, invoicedomain.StatusPaid, healthyInvoices[0].Status)
}

func TestRunOnce_CancelAtPeriodEndSkipsCharge(t *testing.T) {
	env := newBillingEnv(t)
	plan := env.seedPlan(t, 1000, nil)
	sub := env.seedSubscription(t, plan, func(s *subscriptiondomain.Subscription) {
		s.CancelAtPeriodEnd = true
		endsAt := s.CurrentPeriodEnd
		s.EndsAt = &endsAt
	})
	env.seedPaymentMethod(t, sub.TenantID)

	_, err := env.proc.RunOnce(context.Background())
	require.NoError(t, err)

	reloaded := env.reload(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusCanceled, reloaded.Status)
	assert.NotNil(t, reloaded.CanceledAt)
	assert.Empty(t, env.gateway.charges())
	assert.Empty(t, env.invoicesFor(t, sub.ID))
}

func TestRunOnce_ArchivesBilledUsage(t *testing.T) {
	env := newBillingEnv(t)
	plan := env.seedPlan(t, 1000, map[string]float64{"api_call": 2.5})
	sub := env.seedSubscription(t, plan, nil)
	env.seedPaymentMethod(t, sub.TenantID)
	env.seedUsage(t, sub, "api_call", 40)

	_, err := env.proc.RunOnce(context.Background())
	require.NoError(t, err)

	var hot, archived int64
	require.NoError(t, env.db.Model(&usagedomain.Record{}).
		Where("subscription_id = ?", sub.ID).Count(&hot).Error)
	require.NoError(t, env.db.Model(&usagedomain.ArchivedRecord{}).
		Where("subscription_id = ?", sub.ID).Count(&archived).Error)
	assert.Zero(t, hot)
	assert.Equal(t, int64(1), archived)

	invoices := env.invoicesFor(t, sub.ID)
	require.Len(t, invoices, 1)
	assert.Equal(t, int64(100), invoices[0].UsageAmount)
	assert.Equal(t, int64(1100), invoices[0].TotalAmount)
}

func TestProcessRecurringBilling_GatewayOutageKeepsPeriod(t *testing.T) {
	env := newBillingEnv(t)
	plan := env.seedPlan(t, 1000, nil)
	sub := env.seedSubscription(t, plan, nil)
	env.seedPaymentMethod(t, sub.TenantID)

	env.gateway.err = gatewaydomain.ErrGatewayUnavailable
	result, err := env.proc.ProcessRecurringBilling(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	reloaded := env.reload(t, sub.ID)
	assert.True(t, reloaded.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd.UTC()))
	assert.Equal(t, 1, reloaded.FailedPaymentCount)

	invoices := env.invoicesFor(t, sub.ID)
	require.Len(t, invoices, 1)
	assert.Equal(t, "gateway_unavailable", invoices[0].FailureCode)
}
