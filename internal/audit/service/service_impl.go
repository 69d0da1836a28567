package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/rebill/internal/audit/domain"
	"github.com/smallbiznis/rebill/internal/clock"
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
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

func NewService(p ServiceParam) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// Record implements domain.Service.
func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) {
	s.RecordTx(ctx, s.db, entry)
}

// RecordTx implements domain.Service. Writes inside an open transaction
// share its connection and commit or roll back with it.
func (s *Service) RecordTx(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry) {
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO audit_logs (
			id, tenant_id, action, target_type, target_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(),
		entry.TenantID,
		entry.Action,
		entry.TargetType,
		entry.TargetID,
		datatypes.JSONMap(entry.Metadata),
		s.clock.Now(),
	).Error
	if err != nil {
		s.log.Warn("audit write failed",
			zap.String("action", entry.Action),
			zap.String("target_id", entry.TargetID),
			zap.Error(err),
		)
	}
}
