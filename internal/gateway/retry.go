package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/rebill/internal/gateway/domain"
)

// retryingGateway wraps an adapter with a per-call timeout and a single
// retry on transport failure. Declines are never retried; the idempotency
// key on the request keeps the retry from double-charging.
type retryingGateway struct {
	next    domain.PaymentGateway
	timeout time.Duration
	backoff time.Duration
}

// WithRetry decorates gw with timeout and retry-once semantics.
func WithRetry(gw domain.PaymentGateway, timeout, backoff time.Duration) domain.PaymentGateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if backoff < 0 {
		backoff = 0
	}
	return &retryingGateway{next: gw, timeout: timeout, backoff: backoff}
}

func (g *retryingGateway) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	result, err := g.charge(ctx, req)
	if err == nil || !errors.Is(err, domain.ErrGatewayUnavailable) {
		return result, err
	}

	if g.backoff > 0 {
		select {
		case <-time.After(g.backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return g.charge(ctx, req)
}

func (g *retryingGateway) charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.next.Charge(callCtx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, domain.ErrGatewayUnavailable
	}
	return result, err
}

func (g *retryingGateway) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.next.Refund(callCtx, req)
}

var _ domain.PaymentGateway = (*retryingGateway)(nil)
