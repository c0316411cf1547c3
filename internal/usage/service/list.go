package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/appcontext"
	domain "github.com/smallbiznis/meterline/internal/usage/domain"
	"github.com/smallbiznis/meterline/pkg/db/option"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
)

func (s *usageService) GetRecentUsage(ctx context.Context, req domain.ListUsageRequest) (domain.ListUsageResponse, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.ListUsageResponse{}, domain.ErrInvalidApp
	}

	userID, err := snowflake.ParseString(req.UserID)
	if err != nil || userID == 0 {
		return domain.ListUsageResponse{}, domain.ErrInvalidUser
	}

	size := int(req.PageSize)
	if size <= 0 {
		size = 20
	}

	query := s.db.WithContext(ctx).
		Model(&domain.UsageRecord{}).
		Where("app_id = ? AND user_id = ?", appID, userID)
	if req.FeatureKey != "" {
		query = query.Where("feature_key = ?", req.FeatureKey)
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.WithQuerySortBy("created_at", "desc", nil)),
		option.ApplyPagination(pagination.Pagination{PageToken: req.PageToken, PageSize: size}),
	}
	for _, opt := range opts {
		query = opt.Apply(query)
	}

	var rows []*domain.UsageRecord
	if err := query.Find(&rows).Error; err != nil {
		return domain.ListUsageResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(rows, int32(size), func(record *domain.UsageRecord) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        record.ID.String(),
			CreatedAt: record.CreatedAt.UTC().Format("2006-01-02 15:04:05.999999"),
		})
		return token
	})

	records := make([]domain.UsageRecord, 0, len(rows))
	for i, row := range rows {
		if i >= size {
			break
		}
		records = append(records, *row)
	}

	return domain.ListUsageResponse{PageInfo: *pageInfo, Records: records}, nil
}
