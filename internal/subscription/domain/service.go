package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
)

type StartSubscriptionRequest struct {
	UserID        string         `json:"user_id"`
	PlanID        string         `json:"plan_id"`
	RenewalPolicy RenewalPolicy  `json:"renewal_policy"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type ChangePlanRequest struct {
	SubscriptionID string `json:"subscription_id"`
	NewPlanID      string `json:"new_plan_id"`
}

type CancelSubscriptionRequest struct {
	SubscriptionID string     `json:"subscription_id"`
	EndAt          *time.Time `json:"end_at,omitempty"`
}

type GetActiveRequest struct {
	UserID string
}

type ListChangeLogRequest struct {
	SubscriptionID string
	PageToken      string
	PageSize       int32
}

type ListChangeLogResponse struct {
	pagination.PageInfo
	Entries []SubscriptionChangeLog `json:"entries"`
}

// RenewResult reports what a renewal produced.
type RenewResult struct {
	Subscription Subscription
	InvoiceID    snowflake.ID
	// Skipped is set when the period was already invoiced and the renewal
	// was a no-op.
	Skipped bool
}

type Service interface {
	Start(context.Context, StartSubscriptionRequest) (Subscription, error)
	ChangePlan(context.Context, ChangePlanRequest) (Subscription, error)
	Cancel(context.Context, CancelSubscriptionRequest) (Subscription, error)
	Reactivate(ctx context.Context, subscriptionID string) (Subscription, error)
	// Renew is invoked by the renewal scheduler only. It advances the
	// billing period and produces the invoice for it.
	Renew(ctx context.Context, subscriptionID snowflake.ID) (RenewResult, error)
	// MarkRenewalFailed records a failed renewal attempt and parks the
	// subscription in PAST_DUE once the configured ceiling is reached.
	MarkRenewalFailed(ctx context.Context, subscriptionID snowflake.ID) error
	// Expire closes out a non-renewing subscription whose period ended.
	Expire(ctx context.Context, subscriptionID snowflake.ID) error
	// RebuildItems re-derives entitlement rows from the plan's current
	// feature set, preserving Used on surviving features.
	RebuildItems(ctx context.Context, subscriptionID string) error
	GetByID(ctx context.Context, subscriptionID string) (Subscription, error)
	GetActive(context.Context, GetActiveRequest) (Subscription, error)
	GetChangeHistory(context.Context, ListChangeLogRequest) (ListChangeLogResponse, error)
}

var (
	ErrInvalidApp               = errors.New("invalid_app")
	ErrInvalidUser              = errors.New("invalid_user")
	ErrInvalidPlan              = errors.New("invalid_plan")
	ErrInvalidSubscription      = errors.New("invalid_subscription")
	ErrInvalidRenewalPolicy     = errors.New("invalid_renewal_policy")
	ErrSubscriptionNotFound     = errors.New("subscription_not_found")
	ErrActiveSubscriptionExists = errors.New("active_subscription_exists")
	ErrNotRenewable             = errors.New("subscription_not_renewable")
	ErrNotCancellable           = errors.New("subscription_not_cancellable")
	ErrNotReactivatable         = errors.New("subscription_not_reactivatable")
)
