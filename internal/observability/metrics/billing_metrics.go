package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	BatchResultSucceeded = "succeeded"
	BatchResultFailed    = "failed"
	BatchResultSkipped   = "skipped"
)

const (
	ChargeOutcomePaid        = "paid"
	ChargeOutcomeDeclined    = "declined"
	ChargeOutcomeUnavailable = "unavailable"
)

const (
	UsageResultRecorded  = "recorded"
	UsageResultDuplicate = "duplicate"
)

// Config carries constant labels for emitted metrics.
type Config struct {
	ServiceName string
	Environment string
}

// BillingMetrics captures billing processor health signals.
type BillingMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	charges        *prometheus.CounterVec
	dunning        prometheus.Counter
	usageRecords   *prometheus.CounterVec
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the singleton billing metrics registry.
func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

// BillingWithConfig returns the singleton billing metrics registry using config labels.
func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// ResetBillingMetricsForTest resets the billing metrics singleton for tests.
func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "rebill"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &BillingMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rebill_billing_job_runs_total",
			Help:        "Billing job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "rebill_billing_job_duration_seconds",
			Help:        "Billing job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rebill_billing_job_errors_total",
			Help:        "Billing job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rebill_billing_batch_processed_total",
			Help:        "Subscriptions processed per billing run, by result.",
			ConstLabels: constLabels,
		}, []string{"job", "result"}),
		charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rebill_gateway_charges_total",
			Help:        "Gateway charge attempts by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		dunning: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rebill_dunning_escalations_total",
			Help:        "Subscriptions moved to past_due after repeated payment failures.",
			ConstLabels: constLabels,
		}),
		usageRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rebill_usage_records_total",
			Help:        "Usage records ingested, by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobErrors,
		m.batchProcessed,
		m.charges,
		m.dunning,
		m.usageRecords,
	)
	return m
}

func (m *BillingMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *BillingMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *BillingMetrics) IncJobError(job, reason string) {
	if m == nil {
		return
	}
	if strings.TrimSpace(reason) == "" {
		reason = "unknown"
	}
	m.jobErrors.WithLabelValues(job, reason).Inc()
}

func (m *BillingMetrics) AddBatchProcessed(job, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, result).Add(float64(n))
}

func (m *BillingMetrics) IncCharge(outcome string) {
	if m == nil {
		return
	}
	m.charges.WithLabelValues(outcome).Inc()
}

func (m *BillingMetrics) IncDunningEscalation() {
	if m == nil {
		return
	}
	m.dunning.Inc()
}

func (m *BillingMetrics) IncUsageRecord(result string) {
	if m == nil {
		return
	}
	m.usageRecords.WithLabelValues(result).Inc()
}
