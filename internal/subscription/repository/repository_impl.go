package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	domain "github.com/smallbiznis/meterline/internal/subscription/domain"
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

// lockForUpdate adds FOR UPDATE on dialects that support it. sqlite
// serializes writers on its own, so the clause is skipped there.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (r *repositoryImpl) Insert(ctx context.Context, tx *gorm.DB, subscription *domain.Subscription) error {
	return tx.WithContext(ctx).Create(subscription).Error
}

func (r *repositoryImpl) InsertItems(ctx context.Context, tx *gorm.DB, items []domain.SubscriptionItem) error {
	if len(items) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&items).Error
}

func (r *repositoryImpl) InsertChangeLog(ctx context.Context, tx *gorm.DB, entry *domain.SubscriptionChangeLog) error {
	return tx.WithContext(ctx).Create(entry).Error
}

func (r *repositoryImpl) FindByID(ctx context.Context, tx *gorm.DB, appID, id snowflake.ID) (*domain.Subscription, error) {
	return r.findOne(ctx, tx, "app_id = ? AND id = ?", appID, id)
}

func (r *repositoryImpl) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, appID, id snowflake.ID) (*domain.Subscription, error) {
	return r.findOne(ctx, lockForUpdate(tx), "app_id = ? AND id = ?", appID, id)
}

func (r *repositoryImpl) FindActiveByUser(ctx context.Context, tx *gorm.DB, appID, userID snowflake.ID) (*domain.Subscription, error) {
	return r.findOne(ctx, tx,
		"app_id = ? AND user_id = ? AND status IN ?",
		appID, userID, activeStatuses())
}

func (r *repositoryImpl) FindActiveByUserForUpdate(ctx context.Context, tx *gorm.DB, appID, userID snowflake.ID) (*domain.Subscription, error) {
	return r.findOne(ctx, lockForUpdate(tx),
		"app_id = ? AND user_id = ? AND status IN ?",
		appID, userID, activeStatuses())
}

func (r *repositoryImpl) FindDueForRenewal(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	var rows []domain.Subscription
	err := tx.WithContext(ctx).
		Where("status IN ? AND renewal_policy = ? AND renew_at IS NOT NULL AND renew_at <= ?",
			activeStatuses(), domain.RenewalPolicyAutoRenew, now).
		Order("renew_at asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repositoryImpl) FindExpirable(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	var rows []domain.Subscription
	err := tx.WithContext(ctx).
		Where("status IN ? AND renewal_policy = ? AND period_end <= ?",
			activeStatuses(), domain.RenewalPolicyExpire, now).
		Order("period_end asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repositoryImpl) UpdateSubscription(ctx context.Context, tx *gorm.DB, subscription *domain.Subscription) error {
	return tx.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("app_id = ? AND id = ?", subscription.AppID, subscription.ID).
		Select("*").
		Omit("id", "app_id", "created_at").
		Updates(subscription).Error
}

func (r *repositoryImpl) FindItems(ctx context.Context, tx *gorm.DB, appID, subscriptionID snowflake.ID) ([]domain.SubscriptionItem, error) {
	var rows []domain.SubscriptionItem
	err := tx.WithContext(ctx).
		Where("app_id = ? AND subscription_id = ?", appID, subscriptionID).
		Order("id asc").
		Find(&rows).Error
	return rows, err
}

func (r *repositoryImpl) FindItemForFeatureForUpdate(ctx context.Context, tx *gorm.DB, appID, subscriptionID, featureID snowflake.ID) (*domain.SubscriptionItem, error) {
	var row domain.SubscriptionItem
	err := lockForUpdate(tx).WithContext(ctx).
		Where("app_id = ? AND subscription_id = ? AND feature_id = ?", appID, subscriptionID, featureID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *repositoryImpl) UpdateItem(ctx context.Context, tx *gorm.DB, item *domain.SubscriptionItem) error {
	return tx.WithContext(ctx).
		Model(&domain.SubscriptionItem{}).
		Where("app_id = ? AND id = ?", item.AppID, item.ID).
		Select("*").
		Omit("id", "app_id", "created_at").
		Updates(item).Error
}

func (r *repositoryImpl) InsertItem(ctx context.Context, tx *gorm.DB, item *domain.SubscriptionItem) error {
	return tx.WithContext(ctx).Create(item).Error
}

func (r *repositoryImpl) findOne(ctx context.Context, tx *gorm.DB, query string, args ...any) (*domain.Subscription, error) {
	var row domain.Subscription
	err := tx.WithContext(ctx).Where(query, args...).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func activeStatuses() []domain.SubscriptionStatus {
	return []domain.SubscriptionStatus{
		domain.SubscriptionStatusActive,
		domain.SubscriptionStatusTrialing,
		domain.SubscriptionStatusPastDue,
	}
}
