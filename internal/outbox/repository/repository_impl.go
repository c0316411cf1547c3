package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	domain "github.com/smallbiznis/meterline/internal/outbox/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repositoryImpl struct {
	db *gorm.DB
}

type Param struct {
	fx.In

	DB *gorm.DB
}

func NewRepository(p Param) domain.Repository {
	return &repositoryImpl{db: p.DB}
}

func (r *repositoryImpl) Insert(ctx context.Context, tx *gorm.DB, msg *domain.Message) error {
	// Producers retry freely; a dedupe collision is a successful no-op.
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedupe_key"}},
			DoNothing: true,
		}).
		Create(msg).Error
}

func (r *repositoryImpl) ClaimPending(ctx context.Context, tx *gorm.DB, limit int, olderThan time.Time) ([]domain.Message, error) {
	query := tx.WithContext(ctx).
		Where("processed_at IS NULL").
		Order("id asc").
		Limit(limit)
	if !olderThan.IsZero() {
		query = query.Where("created_at <= ?", olderThan)
	}

	// SKIP LOCKED lets concurrent relay instances claim disjoint batches.
	// sqlite has neither row locks nor concurrent relays in tests.
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var rows []domain.Message
	err := query.Find(&rows).Error
	return rows, err
}

func (r *repositoryImpl) MarkProcessed(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error {
	return tx.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{"processed_at": at, "updated_at": at}).Error
}

func (r *repositoryImpl) IncrementRetry(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	return tx.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Update("retries", gorm.Expr("retries + 1")).Error
}

func (r *repositoryImpl) DeleteProcessedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	res := tx.WithContext(ctx).
		Where("processed_at IS NOT NULL AND processed_at < ?", cutoff).
		Delete(&domain.Message{})
	return res.RowsAffected, res.Error
}
