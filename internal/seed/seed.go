// Package seed bootstraps a demo catalog for local development. Production
// deployments manage the catalog through migrations.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/meterline/internal/catalog/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DemoAppID is the app every seeded row belongs to. Requests against the
// demo catalog carry it in the X-App-ID header.
const DemoAppID snowflake.ID = 1

type planSpec struct {
	name      string
	period    catalogdomain.Interval
	trialDays int
	amount    string
	currency  string
	grants    []grantSpec
}

type grantSpec struct {
	featureKey   string
	featureName  string
	unit         string
	limit        *int64
	reset        catalogdomain.Interval
	allowOverage bool
	overusePrice string
}

func limitOf(n int64) *int64 { return &n }

var demoPlans = []planSpec{
	{
		name:     "starter",
		period:   catalogdomain.IntervalMonthly,
		amount:   "29.00",
		currency: "USD",
		grants: []grantSpec{
			{featureKey: "api_calls", featureName: "API Calls", unit: "call", limit: limitOf(10000), reset: catalogdomain.IntervalMonthly},
			{featureKey: "seats", featureName: "Seats", unit: "seat", limit: limitOf(3)},
		},
	},
	{
		name:      "pro",
		period:    catalogdomain.IntervalMonthly,
		trialDays: 14,
		amount:    "99.00",
		currency:  "USD",
		grants: []grantSpec{
			{featureKey: "api_calls", featureName: "API Calls", unit: "call", limit: limitOf(100000), reset: catalogdomain.IntervalMonthly, allowOverage: true, overusePrice: "0.002"},
			{featureKey: "seats", featureName: "Seats", unit: "seat", limit: limitOf(25)},
			{featureKey: "exports", featureName: "Data Exports", unit: "export", limit: limitOf(50), reset: catalogdomain.IntervalDaily},
		},
	},
}

// EnsureDemoCatalog inserts the demo plans, features and prices. It is
// idempotent: rows already present are left untouched.
func EnsureDemoCatalog(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, spec := range demoPlans {
			if err := ensurePlan(ctx, tx, node, spec); err != nil {
				return err
			}
		}
		return nil
	})
}

func ensurePlan(ctx context.Context, tx *gorm.DB, node *snowflake.Node, spec planSpec) error {
	var plan catalogdomain.Plan
	err := tx.WithContext(ctx).
		Where("app_id = ? AND name = ?", DemoAppID, spec.name).
		First(&plan).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		plan = catalogdomain.Plan{
			ID:            node.Generate(),
			AppID:         DemoAppID,
			Name:          spec.name,
			BillingPeriod: spec.period,
			TrialDays:     spec.trialDays,
		}
		if err := tx.WithContext(ctx).Create(&plan).Error; err != nil {
			return err
		}
	}

	for _, grant := range spec.grants {
		feature, err := ensureFeature(ctx, tx, node, grant)
		if err != nil {
			return err
		}

		overuse := grant.overusePrice
		if overuse == "" {
			overuse = "0"
		}
		err = tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "plan_id"}, {Name: "feature_id"}},
				DoNothing: true,
			}).
			Create(&catalogdomain.PlanFeature{
				ID:            node.Generate(),
				AppID:         DemoAppID,
				PlanID:        plan.ID,
				FeatureID:     feature.ID,
				Limit:         grant.limit,
				ResetInterval: resetOrNone(grant.reset),
				AllowOverage:  grant.allowOverage,
				OverusePrice:  overuse,
			}).Error
		if err != nil {
			return err
		}
	}

	var priced int64
	err = tx.WithContext(ctx).
		Model(&catalogdomain.PlanPrice{}).
		Where("plan_id = ?", plan.ID).
		Count(&priced).Error
	if err != nil {
		return err
	}
	if priced > 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&catalogdomain.PlanPrice{
		ID:            node.Generate(),
		AppID:         DemoAppID,
		PlanID:        plan.ID,
		Amount:        spec.amount,
		Currency:      spec.currency,
		EffectiveFrom: time.Now().UTC(),
	}).Error
}

func ensureFeature(ctx context.Context, tx *gorm.DB, node *snowflake.Node, grant grantSpec) (*catalogdomain.Feature, error) {
	var feature catalogdomain.Feature
	err := tx.WithContext(ctx).
		Where("app_id = ? AND key = ?", DemoAppID, grant.featureKey).
		First(&feature).Error
	if err == nil {
		return &feature, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	feature = catalogdomain.Feature{
		ID:    node.Generate(),
		AppID: DemoAppID,
		Key:   grant.featureKey,
		Name:  grant.featureName,
		Unit:  grant.unit,
	}
	if err := tx.WithContext(ctx).Create(&feature).Error; err != nil {
		return nil, err
	}
	return &feature, nil
}

func resetOrNone(interval catalogdomain.Interval) catalogdomain.Interval {
	if interval == "" {
		return catalogdomain.IntervalNone
	}
	return interval
}
