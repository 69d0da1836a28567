// Package email abstracts outbound mail delivery.
package email

import "context"

type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
}

// NoOpProvider drops mail; used in development and tests.
type NoOpProvider struct{}

func NewNoOp() *NoOpProvider { return &NoOpProvider{} }

func (p *NoOpProvider) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return nil
}
