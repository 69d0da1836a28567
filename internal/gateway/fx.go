package gateway

import (
	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/internal/gateway/adapters"
	"github.com/smallbiznis/rebill/internal/gateway/adapters/noop"
	"github.com/smallbiznis/rebill/internal/gateway/adapters/stripecharge"
	"github.com/smallbiznis/rebill/internal/gateway/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("gateway",
	fx.Provide(NewRegistry),
	fx.Provide(NewGateway),
)

func NewRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		stripecharge.NewFactory(),
		noop.NewFactory(),
	)
}

func NewGateway(registry *adapters.Registry, cfg config.Config) (domain.PaymentGateway, error) {
	gw, err := registry.NewGateway(cfg.Gateway.Provider, domain.Config{
		SecretKey: cfg.Gateway.SecretKey,
		Endpoint:  cfg.Gateway.Endpoint,
		Timeout:   cfg.Gateway.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return WithRetry(gw, cfg.Gateway.Timeout, cfg.Gateway.RetryBackoff), nil
}
