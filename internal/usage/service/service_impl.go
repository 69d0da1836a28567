package service

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/clock"
	"github.com/smallbiznis/rebill/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/rebill/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	repo             usagedomain.Repository
	subscriptionRepo subscriptiondomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock

	Repo             usagedomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		genID: p.GenID,
		clock: p.Clock,

		repo:             p.Repo,
		subscriptionRepo: p.SubscriptionRepo,
	}
}

// Record implements domain.Service.
func (s *Service) Record(ctx context.Context, req usagedomain.RecordUsageRequest) (*usagedomain.RecordUsageResponse, error) {
	tenantID, err := snowflake.ParseString(strings.TrimSpace(req.TenantID))
	if err != nil {
		return nil, usagedomain.ErrInvalidTenant
	}
	meterType := strings.TrimSpace(req.MeterType)
	if meterType == "" {
		return nil, usagedomain.ErrInvalidMeterType
	}
	if req.Quantity <= 0 || math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) {
		return nil, usagedomain.ErrInvalidQuantity
	}

	subscription, err := s.subscriptionRepo.FindCurrentByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, usagedomain.ErrNoActiveSubscription
	}

	now := s.clock.Now()
	record := usagedomain.Record{
		ID:             s.genID.Generate(),
		TenantID:       tenantID,
		SubscriptionID: subscription.ID,
		MeterType:      meterType,
		Quantity:       req.Quantity,
		Metadata:       datatypes.JSONMap(req.Metadata),
		RecordedAt:     now,
		CreatedAt:      now,
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		record.IdempotencyKey = &key
	}

	inserted, err := s.repo.InsertIdempotent(ctx, s.db, &record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, tenantID, *record.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			metrics.Billing().IncUsageRecord(metrics.UsageResultDuplicate)
			return &usagedomain.RecordUsageResponse{
				RecordID:       existing.ID.String(),
				SubscriptionID: existing.SubscriptionID.String(),
				MeterType:      existing.MeterType,
				Quantity:       existing.Quantity,
				RecordedAt:     existing.RecordedAt,
				Duplicate:      true,
			}, nil
		}
		// key raced with a concurrent delete; fall through with the new row
	}

	metrics.Billing().IncUsageRecord(metrics.UsageResultRecorded)
	return &usagedomain.RecordUsageResponse{
		RecordID:       record.ID.String(),
		SubscriptionID: record.SubscriptionID.String(),
		MeterType:      record.MeterType,
		Quantity:       record.Quantity,
		RecordedAt:     record.RecordedAt,
	}, nil
}

// Summary implements domain.Service.
func (s *Service) Summary(ctx context.Context, subscriptionID snowflake.ID) ([]usagedomain.MeterSummary, error) {
	totals, err := s.repo.SummarizeUnbilled(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}

	out := make([]usagedomain.MeterSummary, 0, len(totals))
	for _, total := range totals {
		out = append(out, usagedomain.MeterSummary{
			MeterType:     total.MeterType,
			TotalQuantity: total.TotalQuantity,
		})
	}
	return out, nil
}

// UnbilledCharge implements domain.Service. The claimed row IDs travel
// with the amount so the later MarkBilled flips exactly what was priced,
// never a record that committed in between.
func (s *Service) UnbilledCharge(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, rates map[string]float64, cutoff time.Time) (*usagedomain.ChargeSet, error) {
	records, err := s.repo.FindUnbilledForUpdate(ctx, tx, subscriptionID, cutoff)
	if err != nil {
		return nil, err
	}

	set := &usagedomain.ChargeSet{RecordIDs: make([]snowflake.ID, 0, len(records))}
	totals := make(map[string]float64)
	for _, record := range records {
		set.RecordIDs = append(set.RecordIDs, record.ID)
		totals[record.MeterType] += record.Quantity
	}
	for meterType, total := range totals {
		rate, ok := rates[meterType]
		if !ok {
			s.log.Warn("usage without plan rate, not charged",
				zap.String("subscription_id", subscriptionID.String()),
				zap.String("meter_type", meterType),
			)
			continue
		}
		set.Amount += int64(math.Round(total * rate))
	}
	return set, nil
}

// MarkBilled implements domain.Service.
func (s *Service) MarkBilled(ctx context.Context, tx *gorm.DB, recordIDs []snowflake.ID) (int64, error) {
	return s.repo.MarkBilled(ctx, tx, recordIDs, s.clock.Now())
}

// ArchiveBilled implements domain.Service.
func (s *Service) ArchiveBilled(ctx context.Context, limit int) (int64, error) {
	var archived int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.repo.ArchiveBilled(ctx, tx, s.clock.Now(), limit)
		if err != nil {
			return err
		}
		archived = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return archived, nil
}
