package billing

import (
	"time"

	"github.com/smallbiznis/rebill/internal/config"
)

// Config tunes the recurring billing processor.
type Config struct {
	// RunInterval is the pause between RunForever iterations.
	RunInterval time.Duration
	// BatchSize caps how many due subscriptions one claim query returns.
	BatchSize int
	// Workers bounds concurrent per-subscription billing inside a batch.
	Workers int
	// JobTimeout bounds one job within a run.
	JobTimeout time.Duration
	// ArchiveBatchSize caps rows moved per archive sweep iteration.
	ArchiveBatchSize int
	// Currency is the settlement currency for recurring charges.
	Currency string
}

func (c Config) withDefaults() Config {
	if c.RunInterval <= 0 {
		c.RunInterval = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.ArchiveBatchSize <= 0 {
		c.ArchiveBatchSize = 500
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Billing.RunInterval,
		BatchSize:   cfg.Billing.BatchSize,
		Workers:     cfg.Billing.Workers,
		Currency:    cfg.Gateway.Currency,
	}
}
