package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/appcontext"
	catalogdomain "github.com/smallbiznis/meterline/internal/catalog/domain"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
	outboxdomain "github.com/smallbiznis/meterline/internal/outbox/domain"
	domain "github.com/smallbiznis/meterline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type subscriptionService struct {
	db      *gorm.DB
	log     *zap.Logger
	node    *snowflake.Node
	clock   clock.Clock
	billing *config.BillingConfigHolder
	repo    domain.Repository
	catalog catalogdomain.Service
	invoice invoicedomain.Service
	outbox  outboxdomain.Enqueuer
}

type Param struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Node    *snowflake.Node
	Clock   clock.Clock
	Billing *config.BillingConfigHolder
	Repo    domain.Repository
	Catalog catalogdomain.Service
	Invoice invoicedomain.Service
	Outbox  outboxdomain.Enqueuer
}

func NewService(p Param) domain.Service {
	return &subscriptionService{
		db:      p.DB,
		log:     p.Log.Named("subscription.service"),
		node:    p.Node,
		clock:   p.Clock,
		billing: p.Billing,
		repo:    p.Repo,
		catalog: p.Catalog,
		invoice: p.Invoice,
		outbox:  p.Outbox,
	}
}

func (s *subscriptionService) Start(ctx context.Context, req domain.StartSubscriptionRequest) (domain.Subscription, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.Subscription{}, domain.ErrInvalidApp
	}

	userID, err := snowflake.ParseString(req.UserID)
	if err != nil || userID == 0 {
		return domain.Subscription{}, domain.ErrInvalidUser
	}

	planID, err := snowflake.ParseString(req.PlanID)
	if err != nil || planID == 0 {
		return domain.Subscription{}, domain.ErrInvalidPlan
	}

	policy := req.RenewalPolicy
	if policy == "" {
		policy = domain.RenewalPolicyAutoRenew
	}
	if policy != domain.RenewalPolicyAutoRenew && policy != domain.RenewalPolicyExpire {
		return domain.Subscription{}, domain.ErrInvalidRenewalPolicy
	}

	var sub domain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindActiveByUserForUpdate(ctx, tx, appID, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrActiveSubscriptionExists
		}

		plan, err := s.catalog.GetPlan(ctx, planID)
		if err != nil {
			return err
		}

		price, err := s.catalog.CurrentPrice(ctx, planID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		sub = domain.Subscription{
			ID:            s.node.Generate(),
			AppID:         appID,
			UserID:        userID,
			PlanID:        plan.ID,
			Status:        domain.SubscriptionStatusActive,
			RenewalPolicy: policy,
			BillingPeriod: plan.BillingPeriod,
			PeriodStart:   now,
			PeriodEnd:     plan.BillingPeriod.AddTo(now),
			PriceAmount:   price.Amount,
			PriceCurrency: price.Currency,
			Metadata:      datatypes.JSONMap(req.Metadata),
		}
		if plan.TrialDays > 0 {
			trialEnd := now.AddDate(0, 0, plan.TrialDays)
			sub.Status = domain.SubscriptionStatusTrialing
			sub.TrialEndsAt = &trialEnd
		}
		if policy == domain.RenewalPolicyAutoRenew {
			renewAt := sub.PeriodEnd
			sub.RenewAt = &renewAt
		}

		if err := s.repo.Insert(ctx, tx, &sub); err != nil {
			return err
		}

		items, err := s.buildItems(ctx, &sub, plan.ID, nil)
		if err != nil {
			return err
		}
		if err := s.repo.InsertItems(ctx, tx, items); err != nil {
			return err
		}

		amount := sub.PriceAmount
		if err := s.repo.InsertChangeLog(ctx, tx, &domain.SubscriptionChangeLog{
			ID:             s.node.Generate(),
			AppID:          appID,
			SubscriptionID: sub.ID,
			Action:         domain.ChangeActionCreated,
			NewPlanID:      &plan.ID,
			Amount:         &amount,
		}); err != nil {
			return err
		}

		return s.outbox.Enqueue(ctx, tx, outboxdomain.EnqueueRequest{
			Topic:         outboxdomain.TopicSubscriptionCreated,
			AggregateType: "subscription",
			AggregateID:   sub.ID.String(),
			DedupeKey:     fmt.Sprintf("subscription.created:%d", sub.ID),
			Payload: map[string]any{
				"subscription_id": sub.ID.String(),
				"user_id":         userID.String(),
				"plan_id":         plan.ID.String(),
				"status":          string(sub.Status),
			},
		})
	})
	if err != nil {
		return domain.Subscription{}, err
	}

	s.log.Info("subscription started",
		zap.Int64("subscription_id", sub.ID.Int64()),
		zap.Int64("plan_id", sub.PlanID.Int64()),
		zap.String("status", string(sub.Status)),
	)
	return sub, nil
}

func (s *subscriptionService) ChangePlan(ctx context.Context, req domain.ChangePlanRequest) (domain.Subscription, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.Subscription{}, domain.ErrInvalidApp
	}

	subID, err := snowflake.ParseString(req.SubscriptionID)
	if err != nil || subID == 0 {
		return domain.Subscription{}, domain.ErrInvalidSubscription
	}

	newPlanID, err := snowflake.ParseString(req.NewPlanID)
	if err != nil || newPlanID == 0 {
		return domain.Subscription{}, domain.ErrInvalidPlan
	}

	var replacement domain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old, err := s.repo.FindByIDForUpdate(ctx, tx, appID, subID)
		if err != nil {
			return err
		}
		if old == nil {
			return domain.ErrSubscriptionNotFound
		}
		switch old.Status {
		case domain.SubscriptionStatusActive, domain.SubscriptionStatusTrialing, domain.SubscriptionStatusPastDue:
		default:
			return domain.ErrInvalidSubscription
		}
		if old.PlanID == newPlanID {
			return domain.ErrInvalidPlan
		}

		plan, err := s.catalog.GetPlan(ctx, newPlanID)
		if err != nil {
			return err
		}
		price, err := s.catalog.CurrentPrice(ctx, newPlanID)
		if err != nil {
			return err
		}

		now := s.clock.Now()

		old.Status = domain.SubscriptionStatusCancelled
		old.CancelledAt = &now
		old.EndAt = &now
		old.RenewAt = nil
		if err := s.repo.UpdateSubscription(ctx, tx, old); err != nil {
			return err
		}

		oldItems, err := s.repo.FindItems(ctx, tx, appID, old.ID)
		if err != nil {
			return err
		}
		usedByFeature := make(map[snowflake.ID]int64, len(oldItems))
		for _, item := range oldItems {
			usedByFeature[item.FeatureID] = item.Used
		}

		replacement = domain.Subscription{
			ID:            s.node.Generate(),
			AppID:         appID,
			UserID:        old.UserID,
			PlanID:        plan.ID,
			Status:        domain.SubscriptionStatusActive,
			RenewalPolicy: old.RenewalPolicy,
			BillingPeriod: plan.BillingPeriod,
			PeriodStart:   now,
			PeriodEnd:     plan.BillingPeriod.AddTo(now),
			PriceAmount:   price.Amount,
			PriceCurrency: price.Currency,
			Metadata:      old.Metadata,
		}
		if replacement.RenewalPolicy == domain.RenewalPolicyAutoRenew {
			renewAt := replacement.PeriodEnd
			replacement.RenewAt = &renewAt
		}
		if err := s.repo.Insert(ctx, tx, &replacement); err != nil {
			return err
		}

		items, err := s.buildItems(ctx, &replacement, plan.ID, usedByFeature)
		if err != nil {
			return err
		}
		if err := s.repo.InsertItems(ctx, tx, items); err != nil {
			return err
		}

		amount := replacement.PriceAmount
		if err := s.repo.InsertChangeLog(ctx, tx, &domain.SubscriptionChangeLog{
			ID:             s.node.Generate(),
			AppID:          appID,
			SubscriptionID: replacement.ID,
			Action:         domain.ChangeActionPlanChanged,
			OldPlanID:      &old.PlanID,
			NewPlanID:      &plan.ID,
			Amount:         &amount,
			Note:           fmt.Sprintf("replaces subscription %s", old.ID),
		}); err != nil {
			return err
		}

		return s.outbox.Enqueue(ctx, tx, outboxdomain.EnqueueRequest{
			Topic:         outboxdomain.TopicSubscriptionChanged,
			AggregateType: "subscription",
			AggregateID:   replacement.ID.String(),
			DedupeKey:     fmt.Sprintf("subscription.plan_changed:%d:%d", old.ID, replacement.ID),
			Payload: map[string]any{
				"old_subscription_id": old.ID.String(),
				"subscription_id":     replacement.ID.String(),
				"old_plan_id":         old.PlanID.String(),
				"new_plan_id":         plan.ID.String(),
			},
		})
	})
	if err != nil {
		return domain.Subscription{}, err
	}

	s.log.Info("plan changed",
		zap.Int64("subscription_id", replacement.ID.Int64()),
		zap.Int64("plan_id", replacement.PlanID.Int64()),
	)
	return replacement, nil
}

func (s *subscriptionService) Cancel(ctx context.Context, req domain.CancelSubscriptionRequest) (domain.Subscription, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.Subscription{}, domain.ErrInvalidApp
	}

	subID, err := snowflake.ParseString(req.SubscriptionID)
	if err != nil || subID == 0 {
		return domain.Subscription{}, domain.ErrInvalidSubscription
	}

	var sub domain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.repo.FindByIDForUpdate(ctx, tx, appID, subID)
		if err != nil {
			return err
		}
		if found == nil {
			return domain.ErrSubscriptionNotFound
		}
		switch found.Status {
		case domain.SubscriptionStatusActive, domain.SubscriptionStatusTrialing, domain.SubscriptionStatusPastDue:
		default:
			return domain.ErrNotCancellable
		}

		now := s.clock.Now()
		endAt := found.PeriodEnd
		if req.EndAt != nil {
			endAt = *req.EndAt
		}

		found.Status = domain.SubscriptionStatusCancelled
		found.CancelledAt = &now
		found.EndAt = &endAt
		found.RenewAt = nil
		if err := s.repo.UpdateSubscription(ctx, tx, found); err != nil {
			return err
		}

		if err := s.repo.InsertChangeLog(ctx, tx, &domain.SubscriptionChangeLog{
			ID:             s.node.Generate(),
			AppID:          appID,
			SubscriptionID: found.ID,
			Action:         domain.ChangeActionCancelled,
		}); err != nil {
			return err
		}

		sub = *found
		return s.outbox.Enqueue(ctx, tx, outboxdomain.EnqueueRequest{
			Topic:         outboxdomain.TopicSubscriptionCancelled,
			AggregateType: "subscription",
			AggregateID:   sub.ID.String(),
			DedupeKey:     fmt.Sprintf("subscription.cancelled:%d:%d", sub.ID, now.UnixNano()),
			Payload: map[string]any{
				"subscription_id": sub.ID.String(),
				"end_at":          endAt.Format(time.RFC3339),
			},
		})
	})
	if err != nil {
		return domain.Subscription{}, err
	}

	s.log.Info("subscription cancelled", zap.Int64("subscription_id", sub.ID.Int64()))
	return sub, nil
}

func (s *subscriptionService) Reactivate(ctx context.Context, subscriptionID string) (domain.Subscription, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.Subscription{}, domain.ErrInvalidApp
	}

	subID, err := snowflake.ParseString(subscriptionID)
	if err != nil || subID == 0 {
		return domain.Subscription{}, domain.ErrInvalidSubscription
	}

	var sub domain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.repo.FindByIDForUpdate(ctx, tx, appID, subID)
		if err != nil {
			return err
		}
		if found == nil {
			return domain.ErrSubscriptionNotFound
		}

		now := s.clock.Now()
		if found.Status != domain.SubscriptionStatusCancelled || !found.PeriodEnd.After(now) {
			return domain.ErrNotReactivatable
		}

		// The user must not hold a second active subscription started
		// after the cancellation.
		active, err := s.repo.FindActiveByUserForUpdate(ctx, tx, appID, found.UserID)
		if err != nil {
			return err
		}
		if active != nil {
			return domain.ErrActiveSubscriptionExists
		}

		found.Status = domain.SubscriptionStatusActive
		found.CancelledAt = nil
		found.EndAt = nil
		if found.RenewalPolicy == domain.RenewalPolicyAutoRenew {
			renewAt := found.PeriodEnd
			found.RenewAt = &renewAt
		}
		if err := s.repo.UpdateSubscription(ctx, tx, found); err != nil {
			return err
		}

		if err := s.repo.InsertChangeLog(ctx, tx, &domain.SubscriptionChangeLog{
			ID:             s.node.Generate(),
			AppID:          appID,
			SubscriptionID: found.ID,
			Action:         domain.ChangeActionReactivated,
		}); err != nil {
			return err
		}

		sub = *found
		return nil
	})
	if err != nil {
		return domain.Subscription{}, err
	}

	s.log.Info("subscription reactivated", zap.Int64("subscription_id", sub.ID.Int64()))
	return sub, nil
}

func (s *subscriptionService) GetByID(ctx context.Context, subscriptionID string) (domain.Subscription, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.Subscription{}, domain.ErrInvalidApp
	}

	subID, err := snowflake.ParseString(subscriptionID)
	if err != nil || subID == 0 {
		return domain.Subscription{}, domain.ErrInvalidSubscription
	}

	found, err := s.repo.FindByID(ctx, s.db, appID, subID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if found == nil {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	return *found, nil
}

func (s *subscriptionService) GetActive(ctx context.Context, req domain.GetActiveRequest) (domain.Subscription, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.Subscription{}, domain.ErrInvalidApp
	}

	userID, err := snowflake.ParseString(req.UserID)
	if err != nil || userID == 0 {
		return domain.Subscription{}, domain.ErrInvalidUser
	}

	found, err := s.repo.FindActiveByUser(ctx, s.db, appID, userID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if found == nil {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	return *found, nil
}

// buildItems snapshots the plan's feature grants into entitlement rows.
// usedByFeature carries forward consumption for features that survive a plan
// change; pass nil for a fresh start.
func (s *subscriptionService) buildItems(ctx context.Context, sub *domain.Subscription, planID snowflake.ID, usedByFeature map[snowflake.ID]int64) ([]domain.SubscriptionItem, error) {
	grants, err := s.catalog.ListPlanFeatures(ctx, planID)
	if err != nil {
		return nil, err
	}

	items := make([]domain.SubscriptionItem, 0, len(grants))
	for _, grant := range grants {
		feature, err := s.catalog.GetFeature(ctx, grant.FeatureID)
		if err != nil {
			return nil, err
		}

		item := domain.SubscriptionItem{
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
		if used, ok := usedByFeature[feature.ID]; ok {
			item.Used = used
		}
		if grant.ResetInterval != catalogdomain.IntervalNone {
			resetsAt := grant.ResetInterval.AddTo(sub.PeriodStart)
			item.ResetsAt = &resetsAt
		}
		items = append(items, item)
	}
	return items, nil
}
