// Package migration creates the billing schema on startup so the service
// is usable out of the box for local and self-hosted environments.
package migration

import (
	"errors"

	auditdomain "github.com/smallbiznis/rebill/internal/audit/domain"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	"github.com/smallbiznis/rebill/internal/notification"
	pmdomain "github.com/smallbiznis/rebill/internal/paymentmethod/domain"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/rebill/internal/usage/domain"
	"gorm.io/gorm"
)

func RunMigrations(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}

	return conn.AutoMigrate(
		&notification.Tenant{},
		&plandomain.Plan{},
		&plandomain.MeterRate{},
		&subscriptiondomain.Subscription{},
		&pmdomain.PaymentMethod{},
		&usagedomain.Record{},
		&usagedomain.ArchivedRecord{},
		&invoicedomain.Invoice{},
		&auditdomain.Log{},
	)
}
