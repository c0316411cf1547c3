// Package domain contains persistence models for subscriptions and their
// lifecycle audit log.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/meterline/internal/catalog/domain"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "PENDING"
	SubscriptionStatusTrialing  SubscriptionStatus = "TRIALING"
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue   SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionStatusExpired   SubscriptionStatus = "EXPIRED"
)

// RenewalPolicy decides what the scheduler does when a period ends.
type RenewalPolicy string

const (
	RenewalPolicyAutoRenew RenewalPolicy = "AUTO_RENEW"
	RenewalPolicyExpire    RenewalPolicy = "EXPIRE"
)

// Subscription captures a user's agreement to a plan. Price and currency are
// snapshotted at start time so later catalog price changes never apply
// retroactively.
type Subscription struct {
	ID                  snowflake.ID           `gorm:"primaryKey"`
	AppID               snowflake.ID           `gorm:"not null;index"`
	UserID              snowflake.ID           `gorm:"not null;index"`
	PlanID              snowflake.ID           `gorm:"not null;index"`
	Status              SubscriptionStatus     `gorm:"type:text;not null"`
	RenewalPolicy       RenewalPolicy          `gorm:"type:text;not null"`
	BillingPeriod       catalogdomain.Interval `gorm:"type:text;not null"`
	PeriodStart         time.Time              `gorm:"not null"`
	PeriodEnd           time.Time              `gorm:"not null"`
	RenewAt             *time.Time             `gorm:"index"`
	TrialEndsAt         *time.Time             `gorm:""`
	PriceAmount         string                 `gorm:"type:text;not null"` // snapshot
	PriceCurrency       string                 `gorm:"type:text;not null"` // snapshot
	RenewalAttemptCount int                    `gorm:"not null;default:0"`
	LastInvoiceID       *snowflake.ID          `gorm:"index"`
	LastInvoicedAt      *time.Time             `gorm:""`
	CancelledAt         *time.Time             `gorm:""`
	EndAt               *time.Time             `gorm:""`
	Metadata            datatypes.JSONMap      `gorm:"type:jsonb"`
	CreatedAt           time.Time              `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time              `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionItem is one feature entitlement on a subscription. Allotted and
// ResetsAt are written only by the subscription engine; Used only by the
// quota ledger.
type SubscriptionItem struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	AppID          snowflake.ID `gorm:"not null;index"`
	SubscriptionID snowflake.ID `gorm:"not null;index;uniqueIndex:ux_subscription_feature,priority:1"`
	FeatureID      snowflake.ID `gorm:"not null;index;uniqueIndex:ux_subscription_feature,priority:2"`
	FeatureKey     string       `gorm:"type:text;not null"` // snapshot
	Allotted       *int64       `gorm:""`
	Used           int64        `gorm:"not null;default:0"`
	// OverageBilled counts units already charged on a past renewal. Only
	// meaningful for non-resetting items, whose Used never goes back to 0.
	OverageBilled int64                  `gorm:"not null;default:0"`
	ResetInterval catalogdomain.Interval `gorm:"type:text;not null;default:'none'"`
	ResetsAt      *time.Time             `gorm:""`
	AllowOverage  bool                   `gorm:"not null;default:false"`
	OverusePrice  string                 `gorm:"type:text;not null;default:'0'"` // snapshot
	CreatedAt     time.Time              `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time              `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SubscriptionItem) TableName() string { return "subscription_items" }

// ChangeAction enumerates audited lifecycle transitions.
type ChangeAction string

const (
	ChangeActionCreated          ChangeAction = "CREATED"
	ChangeActionRenewed          ChangeAction = "RENEWED"
	ChangeActionPlanChanged      ChangeAction = "PLAN_CHANGED"
	ChangeActionCancelled        ChangeAction = "CANCELLED"
	ChangeActionReactivated      ChangeAction = "REACTIVATED"
	ChangeActionPriceUpdated     ChangeAction = "PRICE_UPDATED"
	ChangeActionManualAdjustment ChangeAction = "MANUAL_ADJUSTMENT"
)

// SubscriptionChangeLog is the append-only lifecycle audit trail.
type SubscriptionChangeLog struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	AppID          snowflake.ID      `gorm:"not null;index"`
	SubscriptionID snowflake.ID      `gorm:"not null;index"`
	Action         ChangeAction      `gorm:"type:text;not null"`
	OldPlanID      *snowflake.ID     `gorm:""`
	NewPlanID      *snowflake.ID     `gorm:""`
	Amount         *string           `gorm:"type:text"`
	Note           string            `gorm:"type:text"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SubscriptionChangeLog) TableName() string { return "subscription_change_logs" }
