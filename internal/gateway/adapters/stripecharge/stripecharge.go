// Package stripecharge implements the gateway over the Stripe charges API.
package stripecharge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/rebill/internal/gateway/domain"
)

const defaultEndpoint = "https://api.stripe.com"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewGateway(cfg domain.Config) (domain.PaymentGateway, error) {
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}

	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Gateway{
		secretKey: secret,
		endpoint:  endpoint,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

type Gateway struct {
	secretKey string
	endpoint  string
	client    *http.Client
}

type chargeResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	FailureCode string `json:"failure_code"`
	Error       *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
	} `json:"error"`
}

type refundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Charge implements domain.PaymentGateway.
func (g *Gateway) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	if req.Amount <= 0 || strings.TrimSpace(req.Token) == "" {
		return nil, domain.ErrInvalidCharge
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("source", req.Token)
	if req.Description != "" {
		form.Set("description", req.Description)
	}

	body, status, err := g.post(ctx, "/v1/charges", form, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	// Server errors carry arbitrary (often empty) bodies; classify on
	// the status alone so the transport retry still fires.
	if status >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: charge returned status %d", domain.ErrGatewayUnavailable, status)
	}

	var parsed chargeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode charge response: %w", err)
	}

	switch {
	case status == http.StatusOK && parsed.Status == "succeeded":
		return &domain.ChargeResult{
			Succeeded:     true,
			TransactionID: parsed.ID,
		}, nil
	case status == http.StatusPaymentRequired || status == http.StatusOK:
		return &domain.ChargeResult{
			Succeeded:     false,
			TransactionID: parsed.ID,
			DeclineCode:   declineCode(parsed),
		}, nil
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &domain.ChargeResult{
			Succeeded:   false,
			DeclineCode: declineCode(parsed),
		}, nil
	default:
		return nil, domain.ErrGatewayUnavailable
	}
}

// Refund implements domain.PaymentGateway.
func (g *Gateway) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error) {
	if strings.TrimSpace(req.TransactionID) == "" {
		return nil, domain.ErrInvalidCharge
	}

	form := url.Values{}
	form.Set("charge", req.TransactionID)
	if req.Amount > 0 {
		form.Set("amount", strconv.FormatInt(req.Amount, 10))
	}

	body, status, err := g.post(ctx, "/v1/refunds", form, "")
	if err != nil {
		return nil, err
	}
	if status >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: refund returned status %d", domain.ErrGatewayUnavailable, status)
	}

	var parsed refundResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode refund response: %w", err)
	}

	return &domain.RefundResult{
		Succeeded: status == http.StatusOK && parsed.Status == "succeeded",
		RefundID:  parsed.ID,
	}, nil
}

func (g *Gateway) post(ctx context.Context, path string, form url.Values, idempotencyKey string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read response: %v", domain.ErrGatewayUnavailable, err)
	}
	return body, resp.StatusCode, nil
}

func declineCode(parsed chargeResponse) string {
	if parsed.Error != nil {
		if parsed.Error.DeclineCode != "" {
			return parsed.Error.DeclineCode
		}
		if parsed.Error.Code != "" {
			return parsed.Error.Code
		}
	}
	if parsed.FailureCode != "" {
		return parsed.FailureCode
	}
	return "card_declined"
}

var _ domain.PaymentGateway = (*Gateway)(nil)
