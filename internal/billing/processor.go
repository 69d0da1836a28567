// Package billing runs the recurring billing cycle: trial activation,
// scheduled cancellation, charging due subscriptions, and archiving
// billed usage. Runs are idempotent; concurrent runners coordinate
// through claim locks and optimistic versions, so a crashed or doubled
// run never double-charges.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/rebill/internal/audit/domain"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/dunning"
	gatewaydomain "github.com/smallbiznis/rebill/internal/gateway/domain"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	"github.com/smallbiznis/rebill/internal/notification"
	"github.com/smallbiznis/rebill/internal/observability/metrics"
	pmdomain "github.com/smallbiznis/rebill/internal/paymentmethod/domain"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/rebill/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	jobActivateTrials = "activate_trials"
	jobCancelDue      = "cancel_due"
	jobChargeDue      = "charge_due"
	jobArchiveUsage   = "archive_usage"
)

type Processor struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cfg   Config

	subRepo     subscriptiondomain.Repository
	planRepo    plandomain.Repository
	pmRepo      pmdomain.Repository
	invoiceRepo invoicedomain.Repository

	usageSvc usagedomain.Service
	gateway  gatewaydomain.PaymentGateway
	dunning  *dunning.Manager
	notifier *notification.Notifier
	audit    auditdomain.Service
}

type ProcessorParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cfg   Config `optional:"true"`

	SubRepo     subscriptiondomain.Repository
	PlanRepo    plandomain.Repository
	PMRepo      pmdomain.Repository
	InvoiceRepo invoicedomain.Repository

	UsageSvc usagedomain.Service
	Gateway  gatewaydomain.PaymentGateway
	Dunning  *dunning.Manager
	Notifier *notification.Notifier
	Audit    auditdomain.Service
}

func NewProcessor(p ProcessorParam) (*Processor, error) {
	if p.DB == nil {
		return nil, errors.New("billing: db is required")
	}
	if p.GenID == nil {
		return nil, errors.New("billing: id generator is required")
	}
	if p.Clock == nil {
		return nil, errors.New("billing: clock is required")
	}
	if p.Gateway == nil {
		return nil, errors.New("billing: payment gateway is required")
	}

	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Processor{
		db:    p.DB,
		log:   log.Named("billing.processor"),
		genID: p.GenID,
		clock: p.Clock,
		cfg:   p.Cfg.withDefaults(),

		subRepo:     p.SubRepo,
		planRepo:    p.PlanRepo,
		pmRepo:      p.PMRepo,
		invoiceRepo: p.InvoiceRepo,

		usageSvc: p.UsageSvc,
		gateway:  p.Gateway,
		dunning:  p.Dunning,
		notifier: p.Notifier,
		audit:    p.Audit,
	}, nil
}

// RunOnce executes one full billing pass and reports the charge batch
// outcome. Job failures are joined, not short-circuited: a broken job
// must not starve the others.
func (p *Processor) RunOnce(ctx context.Context) (BatchResult, error) {
	var result BatchResult
	jobs := []struct {
		name string
		fn   func(context.Context) error
	}{
		{jobActivateTrials, p.activateTrials},
		{jobCancelDue, p.cancelDue},
		{jobChargeDue, func(ctx context.Context) error {
			batch, err := p.chargeDue(ctx)
			result = batch
			return err
		}},
		{jobArchiveUsage, p.archiveUsage},
	}

	var errs []error
	for _, job := range jobs {
		if err := p.runJob(ctx, job.name, job.fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.name, err))
		}
	}
	return result, errors.Join(errs...)
}

// RunForever runs billing passes until ctx is canceled.
func (p *Processor) RunForever(ctx context.Context) error {
	if _, err := p.RunOnce(ctx); err != nil {
		p.log.Error("billing run failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.cfg.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.log.Error("billing run failed", zap.Error(err))
			}
		}
	}
}

func (p *Processor) runJob(ctx context.Context, name string, fn func(context.Context) error) error {
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	metrics.Billing().IncJobRun(name)
	err := fn(jobCtx)
	metrics.Billing().ObserveJobDuration(name, time.Since(start))

	if err != nil {
		reason := "unknown"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "deadline_exceeded"
		}
		metrics.Billing().IncJobError(name, reason)
		p.log.Error("billing job failed",
			zap.String("job", name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return err
	}

	p.log.Debug("billing job finished",
		zap.String("job", name),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (p *Processor) activateTrials(ctx context.Context) error {
	activated, err := p.subRepo.ActivateExpiredTrials(ctx, p.db, p.clock.Now())
	if err != nil {
		return err
	}
	if activated > 0 {
		p.log.Info("trials activated", zap.Int64("count", activated))
	}
	return nil
}

func (p *Processor) cancelDue(ctx context.Context) error {
	now := p.clock.Now()

	for {
		due, err := p.subRepo.FindCancelDue(ctx, p.db, now, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		var errs []error
		for i := range due {
			sub := due[i]
			if err := p.cancelOne(ctx, sub.ID, now); err != nil {
				if errors.Is(err, subscriptiondomain.ErrConcurrencyConflict) {
					continue
				}
				errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			}
		}
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		if len(due) < p.cfg.BatchSize {
			return nil
		}
	}
}

func (p *Processor) cancelOne(ctx context.Context, id snowflake.ID, now time.Time) error {
	var canceled *subscriptiondomain.Subscription

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := p.subRepo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked == nil || locked.Status == subscriptiondomain.StatusCanceled {
			return nil
		}
		if !locked.CancelAtPeriodEnd || locked.EndsAt == nil || locked.EndsAt.After(now) {
			return nil
		}

		locked.Status = subscriptiondomain.StatusCanceled
		locked.CanceledAt = &now
		locked.UpdatedAt = now
		if err := p.subRepo.UpdateLifecycle(ctx, tx, locked); err != nil {
			return err
		}
		canceled = locked
		return nil
	})
	if err != nil {
		return err
	}
	if canceled == nil {
		return nil
	}

	p.audit.Record(ctx, auditdomain.Entry{
		TenantID:   canceled.TenantID,
		Action:     "subscription.canceled",
		TargetType: "subscription",
		TargetID:   canceled.ID.String(),
	})
	p.notifier.Notify(ctx, canceled.TenantID, notification.EventSubscriptionCanceled, nil)
	p.log.Info("subscription canceled at period end",
		zap.String("subscription_id", canceled.ID.String()),
	)
	return nil
}

func (p *Processor) archiveUsage(ctx context.Context) error {
	var total int64
	for {
		archived, err := p.usageSvc.ArchiveBilled(ctx, p.cfg.ArchiveBatchSize)
		if err != nil {
			return err
		}
		total += archived
		if archived < int64(p.cfg.ArchiveBatchSize) {
			break
		}
	}
	if total > 0 {
		p.log.Info("billed usage archived", zap.Int64("records", total))
	}
	return nil
}

func (p *Processor) chargeDue(ctx context.Context) (BatchResult, error) {
	result, err := p.ProcessRecurringBilling(ctx)
	p.log.Info("recurring billing pass finished",
		zap.Int("processed", result.Processed),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
	)
	return result, err
}

// ProcessRecurringBilling claims and bills due subscriptions in batches
// until none remain. Per-subscription failures land in the result, not
// the error: one broken tenant must not block the rest of the batch.
func (p *Processor) ProcessRecurringBilling(ctx context.Context) (BatchResult, error) {
	var (
		result    BatchResult
		attempted []snowflake.ID
	)

	for {
		now := p.clock.Now()

		var batch []subscriptiondomain.Subscription
		err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			claimed, err := fetchDueSubscriptions(ctx, tx, now, p.cfg.BatchSize, attempted)
			if err != nil {
				return err
			}
			batch = claimed
			return nil
		})
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			return result, nil
		}
		// Each subscription gets exactly one attempt per run; failures
		// stay due for the next scheduled cycle but are never reclaimed
		// by a later batch of this one.
		for _, sub := range batch {
			attempted = append(attempted, sub.ID)
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(p.cfg.Workers)
		outcomes := make([]outcome, len(batch))

		for i := range batch {
			i := i
			group.Go(func() error {
				outcomes[i] = p.billSubscription(groupCtx, batch[i].ID)
				return nil
			})
		}
		_ = group.Wait()

		for _, o := range outcomes {
			result.add(o)
			p.emit(ctx, o)
		}

		metrics.Billing().AddBatchProcessed(jobChargeDue, metrics.BatchResultSucceeded, countKind(outcomes, outcomeSucceeded))
		metrics.Billing().AddBatchProcessed(jobChargeDue, metrics.BatchResultFailed, countKind(outcomes, outcomeFailed))
		metrics.Billing().AddBatchProcessed(jobChargeDue, metrics.BatchResultSkipped, countKind(outcomes, outcomeSkipped))

		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if len(batch) < p.cfg.BatchSize {
			return result, nil
		}
	}
}

type outcomeKind int

const (
	outcomeSucceeded outcomeKind = iota
	outcomeFailed
	outcomeSkipped
)

type pendingNotification struct {
	event string
	data  map[string]any
}

type outcome struct {
	subscriptionID snowflake.ID
	tenantID       snowflake.ID
	kind           outcomeKind
	err            error
	notifications  []pendingNotification
}

func countKind(outcomes []outcome, kind outcomeKind) int {
	n := 0
	for _, o := range outcomes {
		if o.kind == kind {
			n++
		}
	}
	return n
}

// emit delivers notifications after the subscription's transaction has
// committed, so an email never refers to a rolled-back charge.
func (p *Processor) emit(ctx context.Context, o outcome) {
	for _, n := range o.notifications {
		p.notifier.Notify(ctx, o.tenantID, n.event, n.data)
	}
}

func isDue(sub *subscriptiondomain.Subscription, now time.Time) bool {
	if sub.Status != subscriptiondomain.StatusActive && sub.Status != subscriptiondomain.StatusPastDue {
		return false
	}
	if sub.CurrentPeriodEnd.After(now) {
		return false
	}
	if sub.TrialEnd != nil && sub.TrialEnd.After(now) {
		return false
	}
	if sub.CancelAtPeriodEnd && sub.EndsAt != nil && !sub.EndsAt.After(now) {
		return false
	}
	return true
}

// billSubscription bills one subscription inside its own transaction.
// The row is re-locked and re-checked after the claim: by the time a
// worker gets here another runner may have billed or canceled it.
func (p *Processor) billSubscription(ctx context.Context, id snowflake.ID) outcome {
	o := outcome{subscriptionID: id, kind: outcomeSkipped}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := p.clock.Now()

		locked, err := p.subRepo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked == nil || !isDue(locked, now) {
			o.kind = outcomeSkipped
			return nil
		}
		o.tenantID = locked.TenantID

		plan, err := p.planRepo.FindByID(ctx, tx, locked.PlanID)
		if err != nil {
			return err
		}
		if plan == nil {
			o.kind = outcomeFailed
			o.err = plandomain.ErrPlanNotFound
			return nil
		}

		rates, err := p.planRepo.RatesByPlanID(ctx, tx, plan.ID)
		if err != nil {
			return err
		}
		rateMap := make(map[string]float64, len(rates))
		for _, rate := range rates {
			rateMap[rate.MeterType] = rate.PricePerUnit
		}

		// One cutoff bounds the usage claim: records appended after
		// this instant belong to the next cycle. The claimed row IDs
		// are the exact set flipped on settlement.
		cutoff := now
		usageCharge, err := p.usageSvc.UnbilledCharge(ctx, tx, locked.ID, rateMap, cutoff)
		if err != nil {
			return err
		}
		usageAmount := usageCharge.Amount

		baseAmount := plan.BaseAmount * int64(locked.Quantity)
		totalAmount := baseAmount + usageAmount
		periodKey := invoicedomain.PeriodKeyFor(locked.ID, locked.CurrentPeriodStart, locked.CurrentPeriodEnd)

		if totalAmount <= 0 {
			return p.settle(ctx, tx, locked, plan, &o, settlement{
				baseAmount:  baseAmount,
				usageAmount: usageAmount,
				totalAmount: 0,
				periodKey:   periodKey,
				usageIDs:    usageCharge.RecordIDs,
				now:         now,
			})
		}

		method, err := p.pmRepo.FindDefaultByTenantID(ctx, tx, locked.TenantID)
		if err != nil {
			return err
		}
		if method == nil {
			if err := p.recordFailure(ctx, tx, locked, &o, failure{
				baseAmount:  baseAmount,
				usageAmount: usageAmount,
				totalAmount: totalAmount,
				cause:       "no_payment_method",
				now:         now,
			}); err != nil {
				return err
			}
			o.err = pmdomain.ErrNoPaymentMethod
			return nil
		}

		result, err := p.gateway.Charge(ctx, gatewaydomain.ChargeRequest{
			Token:          method.GatewayToken,
			Amount:         totalAmount,
			Currency:       p.cfg.Currency,
			Description:    fmt.Sprintf("%s renewal", plan.Code),
			IdempotencyKey: periodKey,
		})
		if err != nil {
			metrics.Billing().IncCharge(metrics.ChargeOutcomeUnavailable)
			if recErr := p.recordFailure(ctx, tx, locked, &o, failure{
				baseAmount:  baseAmount,
				usageAmount: usageAmount,
				totalAmount: totalAmount,
				cause:       "gateway_unavailable",
				now:         now,
			}); recErr != nil {
				return recErr
			}
			o.err = err
			return nil
		}
		if !result.Succeeded {
			metrics.Billing().IncCharge(metrics.ChargeOutcomeDeclined)
			if recErr := p.recordFailure(ctx, tx, locked, &o, failure{
				baseAmount:  baseAmount,
				usageAmount: usageAmount,
				totalAmount: totalAmount,
				cause:       result.DeclineCode,
				now:         now,
			}); recErr != nil {
				return recErr
			}
			o.err = gatewaydomain.ErrPaymentDeclined
			return nil
		}

		metrics.Billing().IncCharge(metrics.ChargeOutcomePaid)
		return p.settle(ctx, tx, locked, plan, &o, settlement{
			baseAmount:    baseAmount,
			usageAmount:   usageAmount,
			totalAmount:   totalAmount,
			periodKey:     periodKey,
			transactionID: result.TransactionID,
			usageIDs:      usageCharge.RecordIDs,
			now:           now,
		})
	})
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrConcurrencyConflict) {
			return outcome{subscriptionID: id, tenantID: o.tenantID, kind: outcomeSkipped}
		}
		return outcome{subscriptionID: id, tenantID: o.tenantID, kind: outcomeFailed, err: err}
	}
	return o
}

type settlement struct {
	baseAmount    int64
	usageAmount   int64
	totalAmount   int64
	periodKey     string
	transactionID string
	usageIDs      []snowflake.ID
	now           time.Time
}

// settle writes the paid invoice, flips billed usage, and advances the
// period, all inside the caller's transaction.
func (p *Processor) settle(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, plan *plandomain.Plan, o *outcome, st settlement) error {
	periodKey := st.periodKey
	inv := invoicedomain.Invoice{
		ID:             p.genID.Generate(),
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		PlanID:         plan.ID,
		Status:         invoicedomain.StatusPaid,
		BaseAmount:     st.baseAmount,
		UsageAmount:    st.usageAmount,
		TotalAmount:    st.totalAmount,
		Currency:       p.cfg.Currency,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		PeriodKey:      &periodKey,
		TransactionID:  st.transactionID,
		CreatedAt:      st.now,
	}
	inserted, err := p.invoiceRepo.Insert(ctx, tx, &inv)
	if err != nil {
		return err
	}
	if !inserted {
		p.log.Warn("period already invoiced, advancing without a new invoice",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("period_key", periodKey),
		)
	}

	if _, err := p.usageSvc.MarkBilled(ctx, tx, st.usageIDs); err != nil {
		return err
	}

	newStart := sub.CurrentPeriodEnd
	newEnd := plan.BillingPeriod.Advance(newStart)
	if err := p.subRepo.AdvancePeriod(ctx, tx, sub, newStart, newEnd, st.now); err != nil {
		return err
	}

	p.audit.RecordTx(ctx, tx, auditdomain.Entry{
		TenantID:   sub.TenantID,
		Action:     "billing.charged",
		TargetType: "invoice",
		TargetID:   inv.ID.String(),
		Metadata: map[string]any{
			"amount":       st.totalAmount,
			"usage_amount": st.usageAmount,
		},
	})

	o.kind = outcomeSucceeded
	if st.totalAmount > 0 {
		o.notifications = append(o.notifications, pendingNotification{
			event: notification.EventPaymentSuccessful,
			data: map[string]any{
				"amount":   st.totalAmount,
				"currency": p.cfg.Currency,
			},
		})
	}
	return nil
}

type failure struct {
	baseAmount  int64
	usageAmount int64
	totalAmount int64
	cause       string
	now         time.Time
}

// recordFailure writes the failed invoice and lets dunning update the
// subscription. The transaction commits: a failed attempt is real state.
func (p *Processor) recordFailure(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, o *outcome, f failure) error {
	inv := invoicedomain.Invoice{
		ID:             p.genID.Generate(),
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		PlanID:         sub.PlanID,
		Status:         invoicedomain.StatusFailed,
		BaseAmount:     f.baseAmount,
		UsageAmount:    f.usageAmount,
		TotalAmount:    f.totalAmount,
		Currency:       p.cfg.Currency,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		FailureCode:    f.cause,
		CreatedAt:      f.now,
	}
	if _, err := p.invoiceRepo.Insert(ctx, tx, &inv); err != nil {
		return err
	}

	dun, err := p.dunning.HandleFailure(ctx, tx, sub, f.cause)
	if err != nil {
		return err
	}

	p.audit.RecordTx(ctx, tx, auditdomain.Entry{
		TenantID:   sub.TenantID,
		Action:     "billing.charge_failed",
		TargetType: "invoice",
		TargetID:   inv.ID.String(),
		Metadata: map[string]any{
			"amount":  f.totalAmount,
			"cause":   f.cause,
			"attempt": dun.Attempt,
		},
	})

	o.kind = outcomeFailed
	o.notifications = append(o.notifications, pendingNotification{
		event: notification.EventPaymentFailed,
		data: map[string]any{
			"amount":   f.totalAmount,
			"currency": p.cfg.Currency,
			"reason":   f.cause,
		},
	})
	if dun.Escalated {
		o.notifications = append(o.notifications, pendingNotification{
			event: notification.EventSubscriptionSuspended,
		})
	}
	return nil
}
