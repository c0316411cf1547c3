package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/appcontext"
	catalogdomain "github.com/smallbiznis/meterline/internal/catalog/domain"
	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
	outboxdomain "github.com/smallbiznis/meterline/internal/outbox/domain"
	domain "github.com/smallbiznis/meterline/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Renew advances one billing period and bills it. The invoice table's unique
// (subscription_id, period_start) index makes the whole operation idempotent:
// a crashed or repeated renewal converges on the same single invoice.
func (s *subscriptionService) Renew(ctx context.Context, subscriptionID snowflake.ID) (domain.RenewResult, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.RenewResult{}, domain.ErrInvalidApp
	}

	var result domain.RenewResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, appID, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrSubscriptionNotFound
		}
		if sub.RenewalPolicy != domain.RenewalPolicyAutoRenew {
			return domain.ErrNotRenewable
		}
		switch sub.Status {
		case domain.SubscriptionStatusActive, domain.SubscriptionStatusTrialing, domain.SubscriptionStatusPastDue:
		default:
			return domain.ErrNotRenewable
		}

		// A renewal while the current period is still running converges
		// on the invoice that already bills it.
		if s.clock.Now().Before(sub.PeriodEnd) && sub.LastInvoiceID != nil {
			result = domain.RenewResult{Subscription: *sub, InvoiceID: *sub.LastInvoiceID, Skipped: true}
			return nil
		}

		items, err := s.repo.FindItems(ctx, tx, appID, sub.ID)
		if err != nil {
			return err
		}

		// Overage from the period that just ended is billed on the new
		// period's invoice. A non-resetting counter carries its Used
		// across periods, so only units beyond what earlier renewals
		// already charged are billed again.
		var overages []invoicedomain.OverageCharge
		billed := make(map[snowflake.ID]int64)
		for _, item := range items {
			if item.Allotted == nil || !item.AllowOverage {
				continue
			}
			over := item.Used - *item.Allotted
			if !itemRolls(item.ResetInterval) {
				over -= item.OverageBilled
			}
			if over > 0 {
				overages = append(overages, invoicedomain.OverageCharge{
					FeatureKey: item.FeatureKey,
					Units:      over,
					UnitPrice:  item.OverusePrice,
				})
				billed[item.ID] = over
			}
		}

		newStart := sub.PeriodEnd
		newEnd := sub.BillingPeriod.AddTo(newStart)

		inv, generated, err := s.invoice.GenerateForRenewal(ctx, tx, invoicedomain.GenerateRequest{
			AppID:           appID,
			UserID:          sub.UserID,
			SubscriptionID:  sub.ID,
			Currency:        sub.PriceCurrency,
			BaseAmount:      sub.PriceAmount,
			BaseDescription: fmt.Sprintf("Subscription renewal %s", newStart.Format("2006-01-02")),
			PeriodStart:     newStart,
			PeriodEnd:       newEnd,
			Overages:        overages,
		})
		if err != nil {
			return err
		}

		now := s.clock.Now()
		sub.Status = domain.SubscriptionStatusActive
		sub.TrialEndsAt = nil
		sub.PeriodStart = newStart
		sub.PeriodEnd = newEnd
		sub.RenewAt = &newEnd
		sub.RenewalAttemptCount = 0
		sub.LastInvoiceID = &inv.ID
		sub.LastInvoicedAt = &now
		if err := s.repo.UpdateSubscription(ctx, tx, sub); err != nil {
			return err
		}

		for i := range items {
			item := items[i]
			if itemRolls(item.ResetInterval) {
				// Rolling counters realign to the new period.
				item.Used = 0
				item.OverageBilled = 0
				resetsAt := item.ResetInterval.AddTo(newStart)
				item.ResetsAt = &resetsAt
			} else {
				// A non-resetting cap never rolls over. Used stays put;
				// the settled overage is remembered so the next renewal
				// bills only new excess.
				item.ResetsAt = nil
				item.OverageBilled += billed[item.ID]
			}
			if err := s.repo.UpdateItem(ctx, tx, &item); err != nil {
				return err
			}
		}

		amount := inv.Total
		if err := s.repo.InsertChangeLog(ctx, tx, &domain.SubscriptionChangeLog{
			ID:             s.node.Generate(),
			AppID:          appID,
			SubscriptionID: sub.ID,
			Action:         domain.ChangeActionRenewed,
			Amount:         &amount,
		}); err != nil {
			return err
		}

		result = domain.RenewResult{Subscription: *sub, InvoiceID: inv.ID, Skipped: !generated}
		return s.outbox.Enqueue(ctx, tx, outboxdomain.EnqueueRequest{
			Topic:         outboxdomain.TopicSubscriptionRenewed,
			AggregateType: "subscription",
			AggregateID:   sub.ID.String(),
			DedupeKey:     fmt.Sprintf("subscription.renewed:%d:%d", sub.ID, newStart.Unix()),
			Payload: map[string]any{
				"subscription_id": sub.ID.String(),
				"invoice_id":      inv.ID.String(),
				"period_start":    newStart.UTC().Format(time.RFC3339),
				"period_end":      newEnd.UTC().Format(time.RFC3339),
			},
		})
	})
	if err != nil {
		return domain.RenewResult{}, err
	}

	s.log.Info("subscription renewed",
		zap.Int64("subscription_id", result.Subscription.ID.Int64()),
		zap.Int64("invoice_id", result.InvoiceID.Int64()),
		zap.Bool("skipped", result.Skipped),
	)
	return result, nil
}

// MarkRenewalFailed counts one failed renewal attempt. Reaching the
// configured ceiling parks the subscription in PAST_DUE; it is never
// cancelled automatically.
func (s *subscriptionService) MarkRenewalFailed(ctx context.Context, subscriptionID snowflake.ID) error {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.ErrInvalidApp
	}

	maxAttempts := s.billing.Get().MaxRenewalAttempts

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, appID, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrSubscriptionNotFound
		}

		sub.RenewalAttemptCount++
		parked := false
		if sub.RenewalAttemptCount >= maxAttempts && sub.Status != domain.SubscriptionStatusPastDue {
			sub.Status = domain.SubscriptionStatusPastDue
			parked = true
		}
		if err := s.repo.UpdateSubscription(ctx, tx, sub); err != nil {
			return err
		}

		if !parked {
			return nil
		}

		s.log.Warn("subscription parked past_due",
			zap.Int64("subscription_id", sub.ID.Int64()),
			zap.Int("attempts", sub.RenewalAttemptCount),
		)

		if err := s.repo.InsertChangeLog(ctx, tx, &domain.SubscriptionChangeLog{
			ID:             s.node.Generate(),
			AppID:          appID,
			SubscriptionID: sub.ID,
			Action:         domain.ChangeActionManualAdjustment,
			Note:           fmt.Sprintf("renewal failed %d times, parked past_due", sub.RenewalAttemptCount),
		}); err != nil {
			return err
		}

		return s.outbox.Enqueue(ctx, tx, outboxdomain.EnqueueRequest{
			Topic:         outboxdomain.TopicSubscriptionPastDue,
			AggregateType: "subscription",
			AggregateID:   sub.ID.String(),
			DedupeKey:     fmt.Sprintf("subscription.past_due:%d:%d", sub.ID, sub.RenewalAttemptCount),
			Payload: map[string]any{
				"subscription_id": sub.ID.String(),
				"attempts":        sub.RenewalAttemptCount,
			},
		})
	})
}

// Expire closes out a non-renewing subscription whose period has ended.
func (s *subscriptionService) Expire(ctx context.Context, subscriptionID snowflake.ID) error {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.ErrInvalidApp
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, appID, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrSubscriptionNotFound
		}
		if sub.RenewalPolicy != domain.RenewalPolicyExpire {
			return domain.ErrInvalidSubscription
		}
		if s.clock.Now().Before(sub.PeriodEnd) {
			return domain.ErrInvalidSubscription
		}
		if sub.Status == domain.SubscriptionStatusExpired {
			return nil
		}

		endAt := sub.PeriodEnd
		sub.Status = domain.SubscriptionStatusExpired
		sub.EndAt = &endAt
		sub.RenewAt = nil
		if err := s.repo.UpdateSubscription(ctx, tx, sub); err != nil {
			return err
		}

		if err := s.repo.InsertChangeLog(ctx, tx, &domain.SubscriptionChangeLog{
			ID:             s.node.Generate(),
			AppID:          appID,
			SubscriptionID: sub.ID,
			Action:         domain.ChangeActionCancelled,
			Note:           "expired at period end",
		}); err != nil {
			return err
		}

		return s.outbox.Enqueue(ctx, tx, outboxdomain.EnqueueRequest{
			Topic:         outboxdomain.TopicSubscriptionExpired,
			AggregateType: "subscription",
			AggregateID:   sub.ID.String(),
			DedupeKey:     fmt.Sprintf("subscription.expired:%d", sub.ID),
			Payload: map[string]any{
				"subscription_id": sub.ID.String(),
				"end_at":          endAt.UTC().Format(time.RFC3339),
			},
		})
	})
}

// RebuildItems re-derives entitlement rows from the plan's current feature
// set. Consumption on surviving features is preserved; rows for features no
// longer on the plan are left untouched so their history survives, they
// simply stop receiving grants.
func (s *subscriptionService) RebuildItems(ctx context.Context, subscriptionID string) error {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.ErrInvalidApp
	}

	subID, err := snowflake.ParseString(subscriptionID)
	if err != nil || subID == 0 {
		return domain.ErrInvalidSubscription
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, appID, subID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrSubscriptionNotFound
		}

		grants, err := s.catalog.ListPlanFeatures(ctx, sub.PlanID)
		if err != nil {
			return err
		}

		existing, err := s.repo.FindItems(ctx, tx, appID, sub.ID)
		if err != nil {
			return err
		}
		byFeature := make(map[snowflake.ID]domain.SubscriptionItem, len(existing))
		for _, item := range existing {
			byFeature[item.FeatureID] = item
		}

		for _, grant := range grants {
			if item, ok := byFeature[grant.FeatureID]; ok {
				item.Allotted = grant.Limit
				item.ResetInterval = grant.ResetInterval
				item.AllowOverage = grant.AllowOverage
				item.OverusePrice = grant.OverusePrice
				if grant.ResetInterval == catalogdomain.IntervalNone {
					item.ResetsAt = nil
				} else if item.ResetsAt == nil {
					resetsAt := grant.ResetInterval.AddTo(s.clock.Now())
					item.ResetsAt = &resetsAt
				}
				if err := s.repo.UpdateItem(ctx, tx, &item); err != nil {
					return err
				}
				continue
			}

			feature, err := s.catalog.GetFeature(ctx, grant.FeatureID)
			if err != nil {
				return err
			}
			item := domain.SubscriptionItem{
				ID:             s.node.Generate(),
				AppID:          appID,
				SubscriptionID: sub.ID,
				FeatureID:      feature.ID,
				FeatureKey:     feature.Key,
				Allotted:       grant.Limit,
				ResetInterval:  grant.ResetInterval,
				AllowOverage:   grant.AllowOverage,
				OverusePrice:   grant.OverusePrice,
			}
			if grant.ResetInterval != catalogdomain.IntervalNone {
				resetsAt := grant.ResetInterval.AddTo(s.clock.Now())
				item.ResetsAt = &resetsAt
			}
			if err := s.repo.InsertItem(ctx, tx, &item); err != nil {
				return err
			}
		}

		return s.repo.InsertChangeLog(ctx, tx, &domain.SubscriptionChangeLog{
			ID:             s.node.Generate(),
			AppID:          appID,
			SubscriptionID: sub.ID,
			Action:         domain.ChangeActionManualAdjustment,
			Note:           "entitlement items rebuilt from plan",
		})
	})
}

// itemRolls reports whether a reset cadence zeroes the counter over time.
// Unknown interval values are treated as non-resetting.
func itemRolls(interval catalogdomain.Interval) bool {
	return interval.Valid() && interval != catalogdomain.IntervalNone
}
