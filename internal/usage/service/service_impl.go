package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/appcontext"
	catalogdomain "github.com/smallbiznis/meterline/internal/catalog/domain"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/meterline/internal/outbox/domain"
	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
	domain "github.com/smallbiznis/meterline/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// featureCacheTTL bounds staleness of the key-to-feature resolution on the
// hot path. Catalog features change rarely.
const featureCacheTTL = 5 * time.Minute

type cachedFeature struct {
	feature catalogdomain.Feature
	expires time.Time
}

type usageService struct {
	db      *gorm.DB
	log     *zap.Logger
	node    *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	subs    subscriptiondomain.Repository
	catalog catalogdomain.Service
	metrics *metrics.Metrics
	outbox  outboxdomain.Enqueuer

	mu       sync.RWMutex
	features map[string]cachedFeature
}

type Param struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Node    *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Subs    subscriptiondomain.Repository
	Catalog catalogdomain.Service
	Metrics *metrics.Metrics      `optional:"true"`
	Outbox  outboxdomain.Enqueuer `optional:"true"`
}

func NewService(p Param) domain.Service {
	return &usageService{
		db:       p.DB,
		log:      p.Log.Named("usage.service"),
		node:     p.Node,
		clock:    p.Clock,
		repo:     p.Repo,
		subs:     p.Subs,
		catalog:  p.Catalog,
		metrics:  p.Metrics,
		outbox:   p.Outbox,
		features: make(map[string]cachedFeature),
	}
}

func (s *usageService) EnforceAndTrack(ctx context.Context, req domain.TrackRequest) (domain.TrackResult, error) {
	return s.record(ctx, req, true)
}

func (s *usageService) Track(ctx context.Context, req domain.TrackRequest) (domain.TrackResult, error) {
	return s.record(ctx, req, false)
}

// record is the shared write path. With enforce set a call that would
// exceed a hard limit is denied and leaves no trace; without it the call
// always lands and any excess is surfaced as overage.
func (s *usageService) record(ctx context.Context, req domain.TrackRequest, enforce bool) (domain.TrackResult, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.TrackResult{}, domain.ErrInvalidApp
	}

	userID, err := snowflake.ParseString(req.UserID)
	if err != nil || userID == 0 {
		return domain.TrackResult{}, domain.ErrInvalidUser
	}
	if strings.TrimSpace(req.FeatureKey) == "" {
		return domain.TrackResult{}, domain.ErrInvalidFeature
	}
	if strings.TrimSpace(req.CorrelationID) == "" {
		return domain.TrackResult{}, domain.ErrInvalidCorrelation
	}

	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 {
		return domain.TrackResult{}, domain.ErrInvalidQuantity
	}

	// Fast path: a replayed correlation ID never needs the write lock.
	if existing, err := s.repo.FindByCorrelation(ctx, s.db, appID, userID, req.CorrelationID); err != nil {
		return domain.TrackResult{}, err
	} else if existing != nil {
		return domain.TrackResult{Record: *existing, Duplicate: true}, nil
	}

	feature, err := s.resolveFeature(ctx, appID, req.FeatureKey)
	if err != nil {
		return domain.TrackResult{}, err
	}

	var result domain.TrackResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.subs.FindActiveByUser(ctx, tx, appID, userID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrNoActiveSubscription
		}

		item, err := s.subs.FindItemForFeatureForUpdate(ctx, tx, appID, sub.ID, feature.ID)
		if err != nil {
			return err
		}
		if item == nil {
			item, err = s.materializeItem(ctx, tx, sub, feature)
			if err != nil {
				return err
			}
		}

		now := s.clock.Now()
		if rolled := rollForward(item, now); rolled {
			// Persisted together with the increment below.
			item.Used = 0
		}

		var remaining *int64
		overage := int64(0)
		if item.Allotted != nil {
			headroom := *item.Allotted - item.Used
			if quantity > headroom {
				if enforce && !item.AllowOverage {
					if headroom < 0 {
						headroom = 0
					}
					return &domain.QuotaExceededError{FeatureKey: feature.Key, Remaining: headroom}
				}
				if headroom > 0 {
					overage = quantity - headroom
				} else {
					overage = quantity
				}
			}
		}

		record := &domain.UsageRecord{
			ID:                 s.node.Generate(),
			AppID:              appID,
			UserID:             userID,
			CorrelationID:      req.CorrelationID,
			SubscriptionID:     sub.ID,
			SubscriptionItemID: item.ID,
			FeatureID:          feature.ID,
			FeatureKey:         feature.Key,
			Quantity:           quantity,
			Overage:            overage,
			Metadata:           datatypes.JSONMap(req.Metadata),
			CreatedAt:          now,
		}

		inserted, err := s.repo.InsertIdempotent(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			// Lost a race against a concurrent duplicate; surface the
			// winner's record without incrementing.
			winner, err := s.repo.FindByCorrelation(ctx, tx, appID, userID, req.CorrelationID)
			if err != nil {
				return err
			}
			if winner == nil {
				return fmt.Errorf("usage record conflict without winner for correlation %s", req.CorrelationID)
			}
			result = domain.TrackResult{Record: *winner, Duplicate: true}
			return nil
		}

		item.Used += quantity
		if err := s.subs.UpdateItem(ctx, tx, item); err != nil {
			return err
		}

		if item.Allotted != nil {
			left := *item.Allotted - item.Used
			if left < 0 {
				left = 0
			}
			remaining = &left
		}

		result = domain.TrackResult{Record: *record, Remaining: remaining, Overage: overage}
		return nil
	})
	if err != nil {
		var exceeded *domain.QuotaExceededError
		if errors.As(err, &exceeded) {
			s.metrics.RecordQuotaDenied(ctx, exceeded.FeatureKey)
			// The tracking transaction rolled back, so the event is
			// written on its own.
			if s.outbox != nil {
				if enqErr := s.outbox.Enqueue(ctx, s.db, outboxdomain.EnqueueRequest{
					Topic:         outboxdomain.TopicQuotaExceeded,
					AggregateType: "usage",
					AggregateID:   req.CorrelationID,
					DedupeKey:     fmt.Sprintf("quota.exceeded:%d:%s", appID, req.CorrelationID),
					Payload: map[string]any{
						"user_id":        req.UserID,
						"feature_key":    exceeded.FeatureKey,
						"remaining":      exceeded.Remaining,
						"correlation_id": req.CorrelationID,
					},
				}); enqErr != nil {
					s.log.Warn("quota event enqueue failed", zap.Error(enqErr))
				}
			}
		}
		return domain.TrackResult{}, err
	}

	if !result.Duplicate {
		s.metrics.RecordUsageTracked(ctx, result.Record.FeatureKey)
	}
	return result, nil
}

// rollForward advances a lapsed reset boundary to the next one at or beyond
// now, stepping in whole intervals so the anchor phase is preserved. It
// reports whether a rollover happened.
func rollForward(item *subscriptiondomain.SubscriptionItem, now time.Time) bool {
	if item.ResetsAt == nil || item.ResetInterval == catalogdomain.IntervalNone {
		return false
	}
	// An unrecognized interval makes AddTo a no-op and the loop below
	// would never terminate. Treat it as non-resetting.
	if !item.ResetInterval.Valid() {
		return false
	}
	if now.Before(*item.ResetsAt) {
		return false
	}

	next := *item.ResetsAt
	for !now.Before(next) {
		next = item.ResetInterval.AddTo(next)
	}
	item.ResetsAt = &next
	return true
}

// materializeItem lazily creates the entitlement row for a feature the plan
// grants but no call has touched yet.
func (s *usageService) materializeItem(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, feature *catalogdomain.Feature) (*subscriptiondomain.SubscriptionItem, error) {
	grants, err := s.catalog.ListPlanFeatures(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	var grant *catalogdomain.PlanFeature
	for i := range grants {
		if grants[i].FeatureID == feature.ID {
			grant = &grants[i]
			break
		}
	}
	if grant == nil {
		return nil, domain.ErrFeatureNotGranted
	}

	item := &subscriptiondomain.SubscriptionItem{
		ID:             s.node.Generate(),
		AppID:          sub.AppID,
		SubscriptionID: sub.ID,
		FeatureID:      feature.ID,
		FeatureKey:     feature.Key,
		Allotted:       grant.Limit,
		ResetInterval:  grant.ResetInterval,
		AllowOverage:   grant.AllowOverage,
		OverusePrice:   grant.OverusePrice,
	}
	if grant.ResetInterval != catalogdomain.IntervalNone {
		resetsAt := grant.ResetInterval.AddTo(sub.PeriodStart)
		item.ResetsAt = &resetsAt
	}
	if err := s.subs.InsertItem(ctx, tx, item); err != nil {
		return nil, err
	}

	s.log.Info("entitlement materialized",
		zap.Int64("subscription_id", sub.ID.Int64()),
		zap.String("feature_key", feature.Key),
	)
	return item, nil
}

func (s *usageService) resolveFeature(ctx context.Context, appID snowflake.ID, key string) (*catalogdomain.Feature, error) {
	cacheKey := fmt.Sprintf("%d:%s", appID, key)

	s.mu.RLock()
	cached, ok := s.features[cacheKey]
	s.mu.RUnlock()
	if ok && s.clock.Now().Before(cached.expires) {
		feature := cached.feature
		return &feature, nil
	}

	feature, err := s.catalog.GetFeatureByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.features[cacheKey] = cachedFeature{feature: *feature, expires: s.clock.Now().Add(featureCacheTTL)}
	s.mu.Unlock()

	return feature, nil
}
