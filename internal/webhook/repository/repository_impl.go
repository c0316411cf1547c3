package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	outboxdomain "github.com/smallbiznis/meterline/internal/outbox/domain"
	domain "github.com/smallbiznis/meterline/internal/webhook/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
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

func (r *repositoryImpl) InsertEndpoint(ctx context.Context, tx *gorm.DB, endpoint *domain.Endpoint) error {
	return tx.WithContext(ctx).Create(endpoint).Error
}

func (r *repositoryImpl) FindEndpoint(ctx context.Context, tx *gorm.DB, appID, id snowflake.ID) (*domain.Endpoint, error) {
	var row domain.Endpoint
	err := tx.WithContext(ctx).
		Where("app_id = ? AND id = ?", appID, id).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *repositoryImpl) FindActiveEndpoints(ctx context.Context, tx *gorm.DB, appID snowflake.ID) ([]domain.Endpoint, error) {
	var rows []domain.Endpoint
	err := tx.WithContext(ctx).
		Where("app_id = ? AND active = ? AND revoked_at IS NULL", appID, true).
		Order("id asc").
		Find(&rows).Error
	return rows, err
}

func (r *repositoryImpl) FindEndpointsByApp(ctx context.Context, tx *gorm.DB, appID snowflake.ID) ([]domain.Endpoint, error) {
	var rows []domain.Endpoint
	err := tx.WithContext(ctx).
		Where("app_id = ?", appID).
		Order("id asc").
		Find(&rows).Error
	return rows, err
}

func (r *repositoryImpl) UpdateEndpoint(ctx context.Context, tx *gorm.DB, endpoint *domain.Endpoint) error {
	return tx.WithContext(ctx).
		Model(&domain.Endpoint{}).
		Where("app_id = ? AND id = ?", endpoint.AppID, endpoint.ID).
		Select("*").
		Omit("id", "app_id", "created_at").
		Updates(endpoint).Error
}

func (r *repositoryImpl) InsertDelivery(ctx context.Context, tx *gorm.DB, delivery *domain.Delivery) error {
	return tx.WithContext(ctx).Create(delivery).Error
}

func (r *repositoryImpl) FindDeliveries(ctx context.Context, tx *gorm.DB, appID, endpointID snowflake.ID, limit int) ([]domain.Delivery, error) {
	var rows []domain.Delivery
	err := tx.WithContext(ctx).
		Where("app_id = ? AND endpoint_id = ?", appID, endpointID).
		Order("id desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repositoryImpl) FindFailedDeliveries(ctx context.Context, tx *gorm.DB, appID, endpointID snowflake.ID, limit int) ([]domain.Delivery, error) {
	// Latest attempt per message, failures only.
	var rows []domain.Delivery
	err := tx.WithContext(ctx).
		Raw(`SELECT d.* FROM webhook_deliveries d
		     JOIN (
		       SELECT message_id, MAX(id) AS max_id
		       FROM webhook_deliveries
		       WHERE app_id = ? AND endpoint_id = ?
		       GROUP BY message_id
		     ) latest ON latest.max_id = d.id
		     WHERE d.success = ?
		     ORDER BY d.id ASC
		     LIMIT ?`, appID, endpointID, false, limit).
		Scan(&rows).Error
	return rows, err
}

func (r *repositoryImpl) FindMessage(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*outboxdomain.Message, error) {
	var row outboxdomain.Message
	err := tx.WithContext(ctx).
		Unscoped().
		Where("id = ?", id).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}
