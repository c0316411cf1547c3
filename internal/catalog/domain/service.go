package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Service is the read surface the billing core consumes from the catalog.
type Service interface {
	GetPlan(ctx context.Context, planID snowflake.ID) (*Plan, error)
	ListPlanFeatures(ctx context.Context, planID snowflake.ID) ([]PlanFeature, error)
	GetFeatureByKey(ctx context.Context, key string) (*Feature, error)
	GetFeature(ctx context.Context, featureID snowflake.ID) (*Feature, error)
	// CurrentPrice resolves the newest effective price row for a plan.
	CurrentPrice(ctx context.Context, planID snowflake.ID) (*PlanPrice, error)
}

var (
	ErrInvalidApp      = errors.New("invalid_app")
	ErrPlanNotFound    = errors.New("plan_not_found")
	ErrPlanRetired     = errors.New("plan_retired")
	ErrFeatureNotFound = errors.New("feature_not_found")
	ErrPriceNotFound   = errors.New("price_not_found")
)
