// Package notification turns billing lifecycle events into tenant emails.
// Delivery is best-effort: failures are logged and never propagate into
// the billing transaction that produced the event.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	EventSubscriptionCreated   = "subscription_created"
	EventPaymentSuccessful     = "payment_successful"
	EventPaymentFailed         = "payment_failed"
	EventSubscriptionSuspended = "subscription_suspended"
	EventSubscriptionCanceled  = "subscription_canceled"
)

// Tenant is the minimal directory row consulted for delivery. Tenant
// provisioning lives outside this service; only id, name and billing
// email are read here.
type Tenant struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	Name         string       `gorm:"type:text;not null"`
	BillingEmail string       `gorm:"type:text"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Tenant) TableName() string { return "tenants" }

type Notifier struct {
	db       *gorm.DB
	log      *zap.Logger
	provider email.Provider
}

type NotifierParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Provider email.Provider
}

func NewNotifier(p NotifierParam) *Notifier {
	return &Notifier{
		db:       p.DB,
		log:      p.Log.Named("notification"),
		provider: p.Provider,
	}
}

// Notify emails the tenant about a billing event. Unknown tenants and
// tenants without a billing email are skipped silently.
func (n *Notifier) Notify(ctx context.Context, tenantID snowflake.ID, event string, data map[string]any) {
	var tenant Tenant
	err := n.db.WithContext(ctx).Raw(
		`SELECT id, name, billing_email, created_at FROM tenants WHERE id = ?`,
		tenantID,
	).Scan(&tenant).Error
	if err != nil {
		n.log.Warn("tenant lookup failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}
	if tenant.ID == 0 || tenant.BillingEmail == "" {
		n.log.Debug("no billing email, notification skipped",
			zap.String("tenant_id", tenantID.String()),
			zap.String("event", event),
		)
		return
	}

	subject, body := compose(tenant.Name, event, data)
	if subject == "" {
		n.log.Warn("unknown notification event", zap.String("event", event))
		return
	}

	if err := n.provider.Send(ctx, []string{tenant.BillingEmail}, subject, body); err != nil {
		n.log.Warn("notification send failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}

	n.log.Info("notification sent",
		zap.String("tenant_id", tenantID.String()),
		zap.String("event", event),
	)
}

func compose(tenantName, event string, data map[string]any) (subject, body string) {
	switch event {
	case EventSubscriptionCreated:
		subject = "Your subscription is active"
		body = fmt.Sprintf("<p>Hi %s,</p><p>Your subscription to %v has been created.</p>",
			tenantName, data["plan_name"])
	case EventPaymentSuccessful:
		subject = "Payment received"
		body = fmt.Sprintf("<p>Hi %s,</p><p>We received your payment of %s.</p>",
			tenantName, formatAmount(data))
	case EventPaymentFailed:
		subject = "Payment failed"
		body = fmt.Sprintf("<p>Hi %s,</p><p>Your payment of %s failed (%v). We will retry on the next billing run.</p>",
			tenantName, formatAmount(data), data["reason"])
	case EventSubscriptionSuspended:
		subject = "Subscription suspended"
		body = fmt.Sprintf("<p>Hi %s,</p><p>Your subscription is past due after repeated payment failures. Please update your payment method.</p>",
			tenantName)
	case EventSubscriptionCanceled:
		subject = "Subscription canceled"
		body = fmt.Sprintf("<p>Hi %s,</p><p>Your subscription has been canceled.</p>",
			tenantName)
	}
	return subject, body
}

func formatAmount(data map[string]any) string {
	amount, _ := data["amount"].(int64)
	currency, _ := data["currency"].(string)
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("%s %.2f", currency, float64(amount)/100)
}
