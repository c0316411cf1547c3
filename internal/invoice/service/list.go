package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/appcontext"
	domain "github.com/smallbiznis/meterline/internal/invoice/domain"
	"github.com/smallbiznis/meterline/pkg/db/option"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
)

func (s *invoiceService) ListInvoices(ctx context.Context, req domain.ListInvoicesRequest) (domain.ListInvoicesResponse, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.ListInvoicesResponse{}, domain.ErrInvalidApp
	}

	size := int(req.PageSize)
	if size <= 0 {
		size = 20
	}

	query := s.db.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("app_id = ?", appID)

	if req.UserID != "" {
		userID, err := snowflake.ParseString(req.UserID)
		if err != nil {
			return domain.ListInvoicesResponse{}, domain.ErrInvalidInvoice
		}
		query = query.Where("user_id = ?", userID)
	}
	if req.SubscriptionID != "" {
		subID, err := snowflake.ParseString(req.SubscriptionID)
		if err != nil {
			return domain.ListInvoicesResponse{}, domain.ErrInvalidInvoice
		}
		query = query.Where("subscription_id = ?", subID)
	}
	if req.Status != "" {
		query = query.Where("payment_status = ?", req.Status)
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.WithQuerySortBy("created_at", "desc", nil)),
		option.ApplyPagination(pagination.Pagination{PageToken: req.PageToken, PageSize: size}),
	}
	for _, opt := range opts {
		query = opt.Apply(query)
	}

	var rows []*domain.Invoice
	if err := query.Find(&rows).Error; err != nil {
		return domain.ListInvoicesResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(rows, int32(size), func(inv *domain.Invoice) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        inv.ID.String(),
			CreatedAt: inv.CreatedAt.UTC().Format("2006-01-02 15:04:05.999999"),
		})
		return token
	})

	invoices := make([]domain.Invoice, 0, len(rows))
	for i, row := range rows {
		if i >= size {
			break
		}
		invoices = append(invoices, *row)
	}

	return domain.ListInvoicesResponse{PageInfo: *pageInfo, Invoices: invoices}, nil
}
