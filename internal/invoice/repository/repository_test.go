package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newInvoiceDB(t *testing.T) (*gorm.DB, *snowflake.Node) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&invoicedomain.Invoice{}))
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	return db, node
}

func buildInvoice(node *snowflake.Node, status invoicedomain.Status, periodKey *string) *invoicedomain.Invoice {
	now := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	return &invoicedomain.Invoice{
		ID:             node.Generate(),
		SubscriptionID: 100,
		TenantID:       200,
		PlanID:         300,
		Status:         status,
		BaseAmount:     1000,
		TotalAmount:    1000,
		Currency:       "USD",
		PeriodStart:    now,
		PeriodEnd:      now.AddDate(0, 1, 0),
		PeriodKey:      periodKey,
		CreatedAt:      now,
	}
}

func TestInsert_PaidInvoicePerPeriodIsUnique(t *testing.T) {
	db, node := newInvoiceDB(t)
	repo := Provide()
	ctx := context.Background()

	key := invoicedomain.PeriodKeyFor(100,
		time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC),
	)

	inserted, err := repo.Insert(ctx, db, buildInvoice(node, invoicedomain.StatusPaid, &key))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Insert(ctx, db, buildInvoice(node, invoicedomain.StatusPaid, &key))
	require.NoError(t, err)
	assert.False(t, inserted)

	count, err := repo.CountPaidForPeriod(ctx, db, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestInsert_FailedInvoicesAccumulate(t *testing.T) {
	db, node := newInvoiceDB(t)
	repo := Provide()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		inserted, err := repo.Insert(ctx, db, buildInvoice(node, invoicedomain.StatusFailed, nil))
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	invoices, err := repo.ListBySubscriptionID(ctx, db, 100, 10)
	require.NoError(t, err)
	assert.Len(t, invoices, 3)
}

func TestListBySubscriptionID_RespectsLimit(t *testing.T) {
	db, node := newInvoiceDB(t)
	repo := Provide()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.Insert(ctx, db, buildInvoice(node, invoicedomain.StatusFailed, nil))
		require.NoError(t, err)
	}

	invoices, err := repo.ListBySubscriptionID(ctx, db, 100, 2)
	require.NoError(t, err)
	assert.Len(t, invoices, 2)
}
