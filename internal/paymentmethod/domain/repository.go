package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, method *PaymentMethod) error
	DemoteDefaults(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) error
	FindDefaultByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*PaymentMethod, error)
	ListByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]PaymentMethod, error)
}
