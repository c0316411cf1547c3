// Package domain defines the usage ledger. One row per accepted metered
// call; the unique (app_id, user_id, correlation_id) index is what makes
// retried calls idempotent.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type UsageRecord struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	AppID              snowflake.ID `gorm:"not null;index;uniqueIndex:ux_usage_correlation,priority:1"`
	UserID             snowflake.ID `gorm:"not null;index;uniqueIndex:ux_usage_correlation,priority:2"`
	CorrelationID      string       `gorm:"type:text;not null;uniqueIndex:ux_usage_correlation,priority:3"`
	SubscriptionID     snowflake.ID `gorm:"not null;index"`
	SubscriptionItemID snowflake.ID `gorm:"not null;index"`
	FeatureID          snowflake.ID `gorm:"not null;index"`
	FeatureKey         string       `gorm:"type:text;not null"`
	Quantity           int64        `gorm:"not null;default:1"`
	// Overage is how many of this record's units landed beyond the
	// allotment. Zero for fully in-quota calls.
	Overage   int64             `gorm:"not null;default:0"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }
