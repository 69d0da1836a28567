package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/rebill/internal/clock"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/rebill/internal/subscription/repository"
	usagedomain "github.com/smallbiznis/rebill/internal/usage/domain"
	usagerepository "github.com/smallbiznis/rebill/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type usageEnv struct {
	db    *gorm.DB
	clock *clock.FakeClock
	genID *snowflake.Node
	svc   usagedomain.Service
}

func newUsageEnv(t *testing.T) *usageEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
		&usagedomain.Record{},
		&usagedomain.ArchivedRecord{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(ServiceParam{
		DB:               db,
		Log:              zap.NewNop(),
		GenID:            node,
		Clock:            fake,
		Repo:             usagerepository.Provide(),
		SubscriptionRepo: subscriptionrepository.Provide(),
	})

	return &usageEnv{db: db, clock: fake, genID: node, svc: svc}
}

func (e *usageEnv) seedSubscription(t *testing.T, status subscriptiondomain.Status) *subscriptiondomain.Subscription {
	t.Helper()
	now := e.clock.Now()
	sub := &subscriptiondomain.Subscription{
		ID:                 e.genID.Generate(),
		TenantID:           e.genID.Generate(),
		PlanID:             e.genID.Generate(),
		Status:             status,
		Quantity:           1,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		Version:            1,
	}
	require.NoError(t, e.db.Create(sub).Error)
	return sub
}

func TestRecordUsage_AttributesToCurrentSubscription(t *testing.T) {
	env := newUsageEnv(t)
	sub := env.seedSubscription(t, subscriptiondomain.StatusActive)

	resp, err := env.svc.Record(context.Background(), usagedomain.RecordUsageRequest{
		TenantID:  sub.TenantID.String(),
		MeterType: "api_call",
		Quantity:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, sub.ID.String(), resp.SubscriptionID)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, float64(5), resp.Quantity)
}

func TestRecordUsage_NoActiveSubscription(t *testing.T) {
	env := newUsageEnv(t)
	sub := env.seedSubscription(t, subscriptiondomain.StatusCanceled)

	_, err := env.svc.Record(context.Background(), usagedomain.RecordUsageRequest{
		TenantID:  sub.TenantID.String(),
		MeterType: "api_call",
		Quantity:  5,
	})
	assert.ErrorIs(t, err, usagedomain.ErrNoActiveSubscription)
}

func TestRecordUsage_InvalidInput(t *testing.T) {
	env := newUsageEnv(t)
	sub := env.seedSubscription(t, subscriptiondomain.StatusActive)

	_, err := env.svc.Record(context.Background(), usagedomain.RecordUsageRequest{
		TenantID:  sub.TenantID.String(),
		MeterType: " ",
		Quantity:  5,
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidMeterType)

	_, err = env.svc.Record(context.Background(), usagedomain.RecordUsageRequest{
		TenantID:  sub.TenantID.String(),
		MeterType: "api_call",
		Quantity:  -1,
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidQuantity)

	_, err = env.svc.Record(context.Background(), usagedomain.RecordUsageRequest{
		TenantID:  "not-a-snowflake",
		MeterType: "api_call",
		Quantity:  1,
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidTenant)
}

func TestRecordUsage_IdempotencyKeyDeduplicates(t *testing.T) {
	env := newUsageEnv(t)
	sub := env.seedSubscription(t, subscriptiondomain.StatusActive)

	first, err := env.svc.Record(context.Background(), usagedomain.RecordUsageRequest{
		TenantID:       sub.TenantID.String(),
		MeterType:      "api_call",
		Quantity:       5,
		IdempotencyKey: "evt_123",
	})
	require.NoError(t, err)

	second, err := env.svc.Record(context.Background(), usagedomain.RecordUsageRequest{
		TenantID:       sub.TenantID.String(),
		MeterType:      "api_call",
		Quantity:       5,
		IdempotencyKey: "evt_123",
	})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.RecordID, second.RecordID)

	var count int64
	require.NoError(t, env.db.Model(&usagedomain.Record{}).
		Where("subscription_id = ?", sub.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestUnbilledCharge_RoundsPerMeterAndSkipsUnknown(t *testing.T) {
	env := newUsageEnv(t)
	sub := env.seedSubscription(t, subscriptiondomain.StatusActive)

	for _, req := range []usagedomain.RecordUsageRequest{
		{TenantID: sub.TenantID.String(), MeterType: "api_call", Quantity: 3},
		{TenantID: sub.TenantID.String(), MeterType: "storage_gb", Quantity: 2.2},
		{TenantID: sub.TenantID.String(), MeterType: "unpriced", Quantity: 9},
	} {
		_, err := env.svc.Record(context.Background(), req)
		require.NoError(t, err)
	}

	env.clock.Advance(time.Minute)
	charge, err := env.svc.UnbilledCharge(context.Background(), env.db, sub.ID,
		map[string]float64{"api_call": 0.5, "storage_gb": 10}, env.clock.Now())
	require.NoError(t, err)
	// 3*0.5 rounds to 2, 2.2*10 rounds to 22, unpriced meters charge nothing.
	assert.Equal(t, int64(24), charge.Amount)
	// Unpriced rows are still claimed so they do not linger unbilled.
	assert.Len(t, charge.RecordIDs, 3)
}

func TestMarkBilled_FlipsOnlyClaimedRows(t *testing.T) {
	env := newUsageEnv(t)
	sub := env.seedSubscription(t, subscriptiondomain.StatusActive)

	_, err := env.svc.Record(context.Background(), usagedomain.RecordUsageRequest{
		TenantID: sub.TenantID.String(), MeterType: "api_call", Quantity: 1,
	})
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	cutoff := env.clock.Now()

	// Recorded after the cutoff, belongs to the next cycle.
	_, err = env.svc.Record(context.Background(), usagedomain.RecordUsageRequest{
		TenantID: sub.TenantID.String(), MeterType: "api_call", Quantity: 7,
	})
	require.NoError(t, err)

	claimed, err := env.svc.UnbilledCharge(context.Background(), env.db, sub.ID,
		map[string]float64{"api_call": 100}, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(100), claimed.Amount)
	require.Len(t, claimed.RecordIDs, 1)

	flipped, err := env.svc.MarkBilled(context.Background(), env.db, claimed.RecordIDs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), flipped)

	charge, err := env.svc.UnbilledCharge(context.Background(), env.db, sub.ID,
		map[string]float64{"api_call": 100}, env.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(700), charge.Amount)
}

func TestMarkBilled_NeverSwallowsRecordsOutsideTheClaim(t *testing.T) {
	env := newUsageEnv(t)
	sub := env.seedSubscription(t, subscriptiondomain.StatusActive)

	_, err := env.svc.Record(context.Background(), usagedomain.RecordUsageRequest{
		TenantID: sub.TenantID.String(), MeterType: "api_call", Quantity: 1,
	})
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	cutoff := env.clock.Now().Add(time.Hour)
	claimed, err := env.svc.UnbilledCharge(context.Background(), env.db, sub.ID,
		map[string]float64{"api_call": 100}, cutoff)
	require.NoError(t, err)
	require.Len(t, claimed.RecordIDs, 1)

	// A record committed between pricing and the flip: inside the cutoff
	// window but never counted, so it must survive for the next cycle.
	late, err := env.svc.Record(context.Background(), usagedomain.RecordUsageRequest{
		TenantID: sub.TenantID.String(), MeterType: "api_call", Quantity: 3,
	})
	require.NoError(t, err)

	flipped, err := env.svc.MarkBilled(context.Background(), env.db, claimed.RecordIDs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), flipped)

	lateID, err := snowflake.ParseString(late.RecordID)
	require.NoError(t, err)
	var survivor usagedomain.Record
	require.NoError(t, env.db.First(&survivor, "id = ?", lateID).Error)
	assert.False(t, survivor.Billed)
}

func TestArchiveBilled_MovesOnlyBilledRecords(t *testing.T) {
	env := newUsageEnv(t)
	sub := env.seedSubscription(t, subscriptiondomain.StatusActive)

	for i := 0; i < 3; i++ {
		_, err := env.svc.Record(context.Background(), usagedomain.RecordUsageRequest{
			TenantID: sub.TenantID.String(), MeterType: "api_call", Quantity: 1,
		})
		require.NoError(t, err)
	}
	env.clock.Advance(time.Minute)
	claimed, err := env.svc.UnbilledCharge(context.Background(), env.db, sub.ID, nil, env.clock.Now())
	require.NoError(t, err)
	_, err = env.svc.MarkBilled(context.Background(), env.db, claimed.RecordIDs)
	require.NoError(t, err)

	_, err = env.svc.Record(context.Background(), usagedomain.RecordUsageRequest{
		TenantID: sub.TenantID.String(), MeterType: "api_call", Quantity: 1,
	})
	require.NoError(t, err)

	archived, err := env.svc.ArchiveBilled(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(3), archived)

	var hot, cold int64
	require.NoError(t, env.db.Model(&usagedomain.Record{}).
		Where("subscription_id = ?", sub.ID).Count(&hot).Error)
	require.NoError(t, env.db.Model(&usagedomain.ArchivedRecord{}).
		Where("subscription_id = ?", sub.ID).Count(&cold).Error)
	assert.Equal(t, int64(1), hot)
	assert.Equal(t, int64(3), cold)
}
