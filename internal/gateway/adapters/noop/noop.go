// Package noop implements an always-approving gateway for local
// development and self-hosted installs without a payment provider.
package noop

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/smallbiznis/rebill/internal/gateway/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "noop"
}

func (f *Factory) NewGateway(cfg domain.Config) (domain.PaymentGateway, error) {
	_ = cfg
	return &Gateway{}, nil
}

type Gateway struct {
	seq atomic.Int64
}

// Charge approves everything except tokens prefixed "decline_", which
// lets manual testing exercise the failure path.
func (g *Gateway) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	_ = ctx
	if req.Amount <= 0 || strings.TrimSpace(req.Token) == "" {
		return nil, domain.ErrInvalidCharge
	}
	if strings.HasPrefix(req.Token, "decline_") {
		return &domain.ChargeResult{Succeeded: false, DeclineCode: "card_declined"}, nil
	}
	return &domain.ChargeResult{
		Succeeded:     true,
		TransactionID: fmt.Sprintf("noop_ch_%d", g.seq.Add(1)),
	}, nil
}

// Refund implements domain.PaymentGateway.
func (g *Gateway) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error) {
	_ = ctx
	if strings.TrimSpace(req.TransactionID) == "" {
		return nil, domain.ErrInvalidCharge
	}
	return &domain.RefundResult{
		Succeeded: true,
		RefundID:  fmt.Sprintf("noop_re_%d", g.seq.Add(1)),
	}, nil
}

var _ domain.PaymentGateway = (*Gateway)(nil)
