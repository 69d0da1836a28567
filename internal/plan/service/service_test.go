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
	planrepository "github.com/smallbiznis/rebill/internal/plan/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newPlanService(t *testing.T) (plandomain.Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&plandomain.Plan{}, &plandomain.MeterRate{}))

	node, err := snowflake.NewNode(6)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)),
		Repo:  planrepository.Provide(),
	})
	return svc, db
}

func TestCreatePlan_WithMeterRates(t *testing.T) {
	svc, _ := newPlanService(t)

	plan, err := svc.Create(context.Background(), plandomain.CreatePlanRequest{
		Code:          "Pro",
		Name:          "Pro Plan",
		BaseAmount:    4900,
		BillingPeriod: plandomain.BillingPeriodMonth,
		TrialDays:     14,
		MeterRates: []plandomain.CreateMeterRateRequest{
			{MeterType: "api_call", PricePerUnit: 0.25},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "pro", plan.Code)
	assert.True(t, plan.Active)
	require.Len(t, plan.MeterRates, 1)

	fetched, err := svc.Get(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.Code, fetched.Code)
	require.Len(t, fetched.MeterRates, 1)
	assert.Equal(t, 0.25, fetched.MeterRates[0].PricePerUnit)
}

func TestGetPlanByCode(t *testing.T) {
	svc, _ := newPlanService(t)

	created, err := svc.Create(context.Background(), plandomain.CreatePlanRequest{
		Code:          "Growth",
		Name:          "Growth",
		BaseAmount:    9900,
		BillingPeriod: plandomain.BillingPeriodYear,
	})
	require.NoError(t, err)

	fetched, err := svc.GetByCode(context.Background(), "GROWTH")
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)

	_, err = svc.GetByCode(context.Background(), "missing")
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)
}

func TestCreatePlan_DuplicateCodeRejected(t *testing.T) {
	svc, _ := newPlanService(t)
	req := plandomain.CreatePlanRequest{
		Code:          "starter",
		Name:          "Starter",
		BaseAmount:    1000,
		BillingPeriod: plandomain.BillingPeriodMonth,
	}

	_, err := svc.Create(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), req)
	assert.ErrorIs(t, err, plandomain.ErrPlanCodeExists)
}

func TestCreatePlan_Validation(t *testing.T) {
	svc, _ := newPlanService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, plandomain.CreatePlanRequest{
		Name: "No Code", BaseAmount: 100, BillingPeriod: plandomain.BillingPeriodMonth,
	})
	assert.ErrorIs(t, err, plandomain.ErrInvalidCode)

	_, err = svc.Create(ctx, plandomain.CreatePlanRequest{
		Code: "x", Name: "Bad Period", BaseAmount: 100, BillingPeriod: "weekly",
	})
	assert.ErrorIs(t, err, plandomain.ErrInvalidBillingPeriod)

	_, err = svc.Create(ctx, plandomain.CreatePlanRequest{
		Code: "x", Name: "Negative", BaseAmount: -1, BillingPeriod: plandomain.BillingPeriodMonth,
	})
	assert.ErrorIs(t, err, plandomain.ErrInvalidAmount)

	_, err = svc.Create(ctx, plandomain.CreatePlanRequest{
		Code: "x", Name: "Bad Rate", BaseAmount: 100, BillingPeriod: plandomain.BillingPeriodMonth,
		MeterRates: []plandomain.CreateMeterRateRequest{{MeterType: "", PricePerUnit: 1}},
	})
	assert.ErrorIs(t, err, plandomain.ErrInvalidMeterRate)
}

func TestListActive_ExcludesRetiredPlans(t *testing.T) {
	svc, db := newPlanService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, plandomain.CreatePlanRequest{
		Code: "a", Name: "A", BaseAmount: 100, BillingPeriod: plandomain.BillingPeriodMonth,
	})
	require.NoError(t, err)
	retired, err := svc.Create(ctx, plandomain.CreatePlanRequest{
		Code: "b", Name: "B", BaseAmount: 200, BillingPeriod: plandomain.BillingPeriodYear,
	})
	require.NoError(t, err)

	require.NoError(t, db.Model(&plandomain.Plan{}).
		Where("code = ?", retired.Code).Update("active", false).Error)

	plans, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "a", plans[0].Code)
}
