package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, plan *Plan) error
	InsertRates(ctx context.Context, db *gorm.DB, rates []MeterRate) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*Plan, error)
	ListActive(ctx context.Context, db *gorm.DB) ([]Plan, error)
	RatesByPlanID(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]MeterRate, error)
}
