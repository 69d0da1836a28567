package paymentmethod

import (
	"github.com/smallbiznis/rebill/internal/paymentmethod/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("paymentmethod",
	fx.Provide(repository.Provide),
)
