package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	pmdomain "github.com/smallbiznis/rebill/internal/paymentmethod/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() pmdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, method *pmdomain.PaymentMethod) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_methods (
			id, tenant_id, type, last_four, exp_month, exp_year, gateway_token, is_default,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		method.ID,
		method.TenantID,
		method.Type,
		method.LastFour,
		method.ExpMonth,
		method.ExpYear,
		method.GatewayToken,
		method.IsDefault,
		method.CreatedAt,
		method.UpdatedAt,
	).Error
}

func (r *repo) DemoteDefaults(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_methods SET is_default = ? WHERE tenant_id = ? AND is_default = ?`,
		false,
		tenantID,
		true,
	).Error
}

func (r *repo) FindDefaultByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*pmdomain.PaymentMethod, error) {
	var method pmdomain.PaymentMethod
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, type, last_four, exp_month, exp_year, gateway_token, is_default,
		 created_at, updated_at
		 FROM payment_methods WHERE tenant_id = ? AND is_default = ?
		 ORDER BY created_at DESC LIMIT 1`,
		tenantID,
		true,
	).Scan(&method).Error
	if err != nil {
		return nil, err
	}
	if method.ID == 0 {
		return nil, nil
	}
	return &method, nil
}

func (r *repo) ListByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]pmdomain.PaymentMethod, error) {
	var methods []pmdomain.PaymentMethod
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, type, last_four, exp_month, exp_year, gateway_token, is_default,
		 created_at, updated_at
		 FROM payment_methods WHERE tenant_id = ? ORDER BY created_at DESC`,
		tenantID,
	).Scan(&methods).Error
	if err != nil {
		return nil, err
	}
	return methods, nil
}
