package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/rebill/internal/gateway/domain"
)

type scriptedGateway struct {
	calls   int
	results []func() (*domain.ChargeResult, error)
}

func (g *scriptedGateway) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	_ = ctx
	_ = req
	idx := g.calls
	g.calls++
	if idx >= len(g.results) {
		idx = len(g.results) - 1
	}
	return g.results[idx]()
}

func (g *scriptedGateway) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error) {
	return &domain.RefundResult{Succeeded: true}, nil
}

func TestRetryOnceOnUnavailable(t *testing.T) {
	inner := &scriptedGateway{results: []func() (*domain.ChargeResult, error){
		func() (*domain.ChargeResult, error) { return nil, domain.ErrGatewayUnavailable },
		func() (*domain.ChargeResult, error) {
			return &domain.ChargeResult{Succeeded: true, TransactionID: "ch_retry"}, nil
		},
	}}

	gw := WithRetry(inner, time.Second, time.Millisecond)
	result, err := gw.Charge(context.Background(), domain.ChargeRequest{Token: "tok", Amount: 100})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if !result.Succeeded || result.TransactionID != "ch_retry" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if inner.calls != 2 {
		t.Fatalf("calls = %d, want 2", inner.calls)
	}
}

func TestRetryGivesUpAfterSecondFailure(t *testing.T) {
	inner := &scriptedGateway{results: []func() (*domain.ChargeResult, error){
		func() (*domain.ChargeResult, error) { return nil, domain.ErrGatewayUnavailable },
	}}

	gw := WithRetry(inner, time.Second, time.Millisecond)
	_, err := gw.Charge(context.Background(), domain.ChargeRequest{Token: "tok", Amount: 100})
	if !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("err = %v, want ErrGatewayUnavailable", err)
	}
	if inner.calls != 2 {
		t.Fatalf("calls = %d, want 2", inner.calls)
	}
}

func TestDeclineIsNeverRetried(t *testing.T) {
	inner := &scriptedGateway{results: []func() (*domain.ChargeResult, error){
		func() (*domain.ChargeResult, error) {
			return &domain.ChargeResult{Succeeded: false, DeclineCode: "card_declined"}, nil
		},
	}}

	gw := WithRetry(inner, time.Second, time.Millisecond)
	result, err := gw.Charge(context.Background(), domain.ChargeRequest{Token: "tok", Amount: 100})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if result.Succeeded {
		t.Fatal("expected decline")
	}
	if inner.calls != 1 {
		t.Fatalf("calls = %d, want 1", inner.calls)
	}
}
