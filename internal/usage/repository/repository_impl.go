package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	domain "github.com/smallbiznis/meterline/internal/usage/domain"
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

func (r *repositoryImpl) FindByCorrelation(ctx context.Context, tx *gorm.DB, appID, userID snowflake.ID, correlationID string) (*domain.UsageRecord, error) {
	var row domain.UsageRecord
	err := tx.WithContext(ctx).
		Where("app_id = ? AND user_id = ? AND correlation_id = ?", appID, userID, correlationID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *repositoryImpl) InsertIdempotent(ctx context.Context, tx *gorm.DB, record *domain.UsageRecord) (bool, error) {
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "app_id"}, {Name: "user_id"}, {Name: "correlation_id"},
			},
			DoNothing: true,
		}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
