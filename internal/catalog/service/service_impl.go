package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/appcontext"
	catalogdomain "github.com/smallbiznis/meterline/internal/catalog/domain"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock

	planrepo    repository.Repository[catalogdomain.Plan]
	featurerepo repository.Repository[catalogdomain.Feature]
}

func NewService(p ServiceParam) catalogdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("catalog.service"),
		clock: p.Clock,

		planrepo:    repository.ProvideStore[catalogdomain.Plan](p.DB),
		featurerepo: repository.ProvideStore[catalogdomain.Feature](p.DB),
	}
}

func (s *Service) GetPlan(ctx context.Context, planID snowflake.ID) (*catalogdomain.Plan, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return nil, catalogdomain.ErrInvalidApp
	}

	plan, err := s.planrepo.FindOne(ctx, &catalogdomain.Plan{ID: planID, AppID: appID})
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, catalogdomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) ListPlanFeatures(ctx context.Context, planID snowflake.ID) ([]catalogdomain.PlanFeature, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return nil, catalogdomain.ErrInvalidApp
	}

	var rows []catalogdomain.PlanFeature
	err := s.db.WithContext(ctx).
		Where("app_id = ? AND plan_id = ?", appID, planID).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) GetFeatureByKey(ctx context.Context, key string) (*catalogdomain.Feature, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return nil, catalogdomain.ErrInvalidApp
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, catalogdomain.ErrFeatureNotFound
	}

	feature, err := s.featurerepo.FindOne(ctx, &catalogdomain.Feature{AppID: appID, Key: key})
	if err != nil {
		return nil, err
	}
	if feature == nil {
		return nil, catalogdomain.ErrFeatureNotFound
	}
	return feature, nil
}

func (s *Service) GetFeature(ctx context.Context, featureID snowflake.ID) (*catalogdomain.Feature, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return nil, catalogdomain.ErrInvalidApp
	}

	feature, err := s.featurerepo.FindOne(ctx, &catalogdomain.Feature{ID: featureID, AppID: appID})
	if err != nil {
		return nil, err
	}
	if feature == nil {
		return nil, catalogdomain.ErrFeatureNotFound
	}
	return feature, nil
}

func (s *Service) CurrentPrice(ctx context.Context, planID snowflake.ID) (*catalogdomain.PlanPrice, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return nil, catalogdomain.ErrInvalidApp
	}

	var price catalogdomain.PlanPrice
	err := s.db.WithContext(ctx).
		Where("app_id = ? AND plan_id = ? AND effective_from <= ?", appID, planID, s.clock.Now()).
		Order("effective_from desc").
		First(&price).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, catalogdomain.ErrPriceNotFound
		}
		return nil, err
	}
	return &price, nil
}
