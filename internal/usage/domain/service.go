package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
	"gorm.io/gorm"
)

type TrackRequest struct {
	UserID        string         `json:"user_id"`
	FeatureKey    string         `json:"feature_key"`
	CorrelationID string         `json:"correlation_id"`
	// Quantity defaults to 1 when omitted.
	Quantity int64          `json:"quantity,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type TrackResult struct {
	Record UsageRecord
	// Duplicate is set when the correlation ID was already recorded; the
	// original record is returned and nothing was incremented.
	Duplicate bool
	// Remaining is the post-increment headroom, nil for unlimited features.
	Remaining *int64
	// Overage is how many units of this call exceeded the allotment.
	Overage int64
}

type ListUsageRequest struct {
	UserID     string
	FeatureKey string
	PageToken  string
	PageSize   int32
}

type ListUsageResponse struct {
	pagination.PageInfo
	Records []UsageRecord `json:"records"`
}

type Service interface {
	// EnforceAndTrack atomically checks quota and records consumption.
	// A denied call records nothing.
	EnforceAndTrack(context.Context, TrackRequest) (TrackResult, error)
	// Track records consumption that was authorized out of band. It shares
	// the idempotency gate with EnforceAndTrack but never denies; units
	// beyond the allotment are reported as overage.
	Track(context.Context, TrackRequest) (TrackResult, error)
	GetRecentUsage(context.Context, ListUsageRequest) (ListUsageResponse, error)
}

//go:generate mockgen -source=repository.go -destination=./mocks/mock_repository.go -package=mocks
type Repository interface {
	FindByCorrelation(ctx context.Context, tx *gorm.DB, appID, userID snowflake.ID, correlationID string) (*UsageRecord, error)
	// InsertIdempotent writes the record unless its correlation ID
	// already exists. It reports whether a row was actually inserted.
	InsertIdempotent(ctx context.Context, tx *gorm.DB, record *UsageRecord) (bool, error)
}

// QuotaExceededError is returned when a call would exceed a hard limit.
type QuotaExceededError struct {
	FeatureKey string
	Remaining  int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota_exceeded: feature %s has %d remaining", e.FeatureKey, e.Remaining)
}

var (
	ErrInvalidApp           = errors.New("invalid_app")
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidFeature       = errors.New("invalid_feature")
	ErrInvalidQuantity      = errors.New("invalid_quantity")
	ErrInvalidCorrelation   = errors.New("invalid_correlation_id")
	ErrNoActiveSubscription = errors.New("no_active_subscription")
	ErrFeatureNotGranted    = errors.New("feature_not_granted")
)
