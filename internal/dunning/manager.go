// Package dunning escalates repeated payment failures. It counts
// consecutive failed charges per subscription and moves active
// subscriptions to past_due once the threshold is hit. Dunning never
// cancels; only an explicit cancel request ends a subscription.
package dunning

import (
	"context"

	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const DefaultThreshold = 3

type Config struct {
	Threshold int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{Threshold: cfg.Dunning.Threshold}
}

// Outcome reports what one failure did to the subscription.
type Outcome struct {
	Attempt   int
	Escalated bool
}

type Manager struct {
	log       *zap.Logger
	repo      subscriptiondomain.Repository
	threshold int
}

type ManagerParam struct {
	fx.In

	Log    *zap.Logger
	Repo   subscriptiondomain.Repository
	Config Config `optional:"true"`
}

func NewManager(p ManagerParam) *Manager {
	cfg := p.Config.withDefaults()
	return &Manager{
		log:       p.Log.Named("dunning"),
		repo:      p.Repo,
		threshold: cfg.Threshold,
	}
}

func (m *Manager) Threshold() int { return m.threshold }

// HandleFailure records one failed charge inside the caller's
// transaction and escalates to past_due at the threshold. The version
// guard on the update surfaces concurrent modification as
// ErrConcurrencyConflict.
func (m *Manager) HandleFailure(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, cause string) (*Outcome, error) {
	attempt := sub.FailedPaymentCount + 1

	status := sub.Status
	escalated := false
	if attempt >= m.threshold && sub.Status == subscriptiondomain.StatusActive {
		status = subscriptiondomain.StatusPastDue
		escalated = true
	}

	if err := m.repo.RecordPaymentFailure(ctx, tx, sub, attempt, cause, status); err != nil {
		return nil, err
	}

	if escalated {
		metrics.Billing().IncDunningEscalation()
		m.log.Warn("subscription escalated to past_due",
			zap.String("subscription_id", sub.ID.String()),
			zap.Int("failed_attempts", attempt),
			zap.String("cause", cause),
		)
	} else {
		m.log.Info("payment failure recorded",
			zap.String("subscription_id", sub.ID.String()),
			zap.Int("failed_attempts", attempt),
			zap.String("cause", cause),
		)
	}

	return &Outcome{Attempt: attempt, Escalated: escalated}, nil
}
