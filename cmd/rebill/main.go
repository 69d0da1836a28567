package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/audit"
	"github.com/smallbiznis/rebill/internal/billing"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/dunning"
	"github.com/smallbiznis/rebill/internal/gateway"
	"github.com/smallbiznis/rebill/internal/invoice"
	"github.com/smallbiznis/rebill/internal/migration"
	"github.com/smallbiznis/rebill/internal/notification"
	"github.com/smallbiznis/rebill/internal/observability"
	"github.com/smallbiznis/rebill/internal/paymentmethod"
	"github.com/smallbiznis/rebill/internal/plan"
	"github.com/smallbiznis/rebill/internal/providers/email"
	"github.com/smallbiznis/rebill/internal/server"
	"github.com/smallbiznis/rebill/internal/subscription"
	"github.com/smallbiznis/rebill/internal/usage"
	"github.com/smallbiznis/rebill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		plan.Module,
		paymentmethod.Module,
		gateway.Module,
		subscription.Module,
		usage.Module,
		invoice.Module,
		audit.Module,
		email.Module,
		notification.Module,
		dunning.Module,
		billing.Module,

		server.Module,
		fx.Invoke(StartBilling),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func StartBilling(lc fx.Lifecycle, p *billing.Processor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go p.RunForever(context.Background())
			return nil
		},
	})
}
