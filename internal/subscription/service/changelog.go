package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/appcontext"
	domain "github.com/smallbiznis/meterline/internal/subscription/domain"
	"github.com/smallbiznis/meterline/pkg/db/option"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
)

func (s *subscriptionService) GetChangeHistory(ctx context.Context, req domain.ListChangeLogRequest) (domain.ListChangeLogResponse, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.ListChangeLogResponse{}, domain.ErrInvalidApp
	}

	subID, err := snowflake.ParseString(req.SubscriptionID)
	if err != nil || subID == 0 {
		return domain.ListChangeLogResponse{}, domain.ErrInvalidSubscription
	}

	size := int(req.PageSize)
	if size <= 0 {
		size = 20
	}

	query := s.db.WithContext(ctx).
		Model(&domain.SubscriptionChangeLog{}).
		Where("app_id = ? AND subscription_id = ?", appID, subID)

	opts := []option.QueryOption{
		option.WithSortBy(option.WithQuerySortBy("created_at", "desc", nil)),
		option.ApplyPagination(pagination.Pagination{PageToken: req.PageToken, PageSize: size}),
	}
	for _, opt := range opts {
		query = opt.Apply(query)
	}

	var rows []*domain.SubscriptionChangeLog
	if err := query.Find(&rows).Error; err != nil {
		return domain.ListChangeLogResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(rows, int32(size), func(entry *domain.SubscriptionChangeLog) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        entry.ID.String(),
			CreatedAt: entry.CreatedAt.UTC().Format("2006-01-02 15:04:05.999999"),
		})
		return token
	})

	entries := make([]domain.SubscriptionChangeLog, 0, len(rows))
	for i, row := range rows {
		if i >= size {
			break
		}
		entries = append(entries, *row)
	}

	return domain.ListChangeLogResponse{PageInfo: *pageInfo, Entries: entries}, nil
}
