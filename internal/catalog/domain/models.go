// Package domain contains the read-only catalog records consumed by the
// billing core. The catalog itself (CRUD, versioning workflows) is owned by
// an upstream collaborator; this core only reads.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Interval is a billing or reset cadence.
type Interval string

const (
	IntervalNone    Interval = "none"
	IntervalDaily   Interval = "daily"
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// Valid reports whether the interval is a known cadence.
func (i Interval) Valid() bool {
	switch i {
	case IntervalNone, IntervalDaily, IntervalWeekly, IntervalMonthly, IntervalYearly:
		return true
	default:
		return false
	}
}

// AddTo advances t by exactly one interval. Months and years use calendar
// arithmetic so anchor days are preserved where the calendar allows.
func (i Interval) AddTo(t time.Time) time.Time {
	switch i {
	case IntervalDaily:
		return t.AddDate(0, 0, 1)
	case IntervalWeekly:
		return t.AddDate(0, 0, 7)
	case IntervalMonthly:
		return t.AddDate(0, 1, 0)
	case IntervalYearly:
		return t.AddDate(1, 0, 0)
	default:
		return t
	}
}

// Feature is a metered capability scoped to an app.
type Feature struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	AppID     snowflake.ID `gorm:"not null;index;uniqueIndex:ux_feature_key,priority:1"`
	Key       string       `gorm:"type:text;not null;uniqueIndex:ux_feature_key,priority:2"`
	Name      string       `gorm:"type:text;not null"`
	Unit      string       `gorm:"type:text"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Feature) TableName() string { return "features" }

// Plan bundles entitlements and a billing cadence. Plans are immutable once
// referenced; price changes arrive as new PlanPrice rows, never mutations.
type Plan struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	AppID         snowflake.ID `gorm:"not null;index"`
	Name          string       `gorm:"type:text;not null"`
	BillingPeriod Interval     `gorm:"type:text;not null"`
	TrialDays     int          `gorm:"not null;default:0"`
	Version       int          `gorm:"not null;default:1"`
	RetiredAt     *time.Time   `gorm:""`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// PlanFeature grants a feature quota on a plan. A nil Limit means unlimited.
type PlanFeature struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	AppID         snowflake.ID `gorm:"not null;index"`
	PlanID        snowflake.ID `gorm:"not null;index;uniqueIndex:ux_plan_feature,priority:1"`
	FeatureID     snowflake.ID `gorm:"not null;index;uniqueIndex:ux_plan_feature,priority:2"`
	Limit         *int64       `gorm:"column:feature_limit"`
	ResetInterval Interval     `gorm:"type:text;not null;default:'none'"`
	AllowOverage  bool         `gorm:"not null;default:false"`
	OverusePrice  string       `gorm:"type:text;not null;default:'0'"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PlanFeature) TableName() string { return "plan_features" }

// PlanPrice is a versioned price row; the newest effective row wins.
type PlanPrice struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	AppID         snowflake.ID `gorm:"not null;index"`
	PlanID        snowflake.ID `gorm:"not null;index"`
	Amount        string       `gorm:"type:text;not null"`
	Currency      string       `gorm:"type:text;not null"`
	EffectiveFrom time.Time    `gorm:"not null"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PlanPrice) TableName() string { return "plan_prices" }
