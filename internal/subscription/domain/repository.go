package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

//go:generate mockgen -source=repository.go -destination=./mocks/mock_repository.go -package=mocks
type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, subscription *Subscription) error
	InsertItems(ctx context.Context, tx *gorm.DB, items []SubscriptionItem) error
	InsertChangeLog(ctx context.Context, tx *gorm.DB, entry *SubscriptionChangeLog) error

	FindByID(ctx context.Context, tx *gorm.DB, appID, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, appID, id snowflake.ID) (*Subscription, error)
	FindActiveByUser(ctx context.Context, tx *gorm.DB, appID, userID snowflake.ID) (*Subscription, error)
	FindActiveByUserForUpdate(ctx context.Context, tx *gorm.DB, appID, userID snowflake.ID) (*Subscription, error)
	// FindDueForRenewal returns active auto-renewing subscriptions whose
	// RenewAt has passed, oldest first.
	FindDueForRenewal(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	// FindExpirable returns non-renewing subscriptions whose period has
	// ended.
	FindExpirable(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]Subscription, error)

	UpdateSubscription(ctx context.Context, tx *gorm.DB, subscription *Subscription) error

	FindItems(ctx context.Context, tx *gorm.DB, appID, subscriptionID snowflake.ID) ([]SubscriptionItem, error)
	FindItemForFeatureForUpdate(ctx context.Context, tx *gorm.DB, appID, subscriptionID, featureID snowflake.ID) (*SubscriptionItem, error)
	UpdateItem(ctx context.Context, tx *gorm.DB, item *SubscriptionItem) error
	InsertItem(ctx context.Context, tx *gorm.DB, item *SubscriptionItem) error
}
