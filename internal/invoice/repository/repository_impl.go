package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	domain "github.com/smallbiznis/meterline/internal/invoice/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repositoryImpl struct {
	db *gorm.DB
}

type Param struct {
	fx.In

	DB *gorm.DB
}

func NewRepository(p Param) domain.Repository {
	return &repositoryImpl{db: p.DB}
}

func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (r *repositoryImpl) Insert(ctx context.Context, tx *gorm.DB, inv *domain.Invoice) error {
	return tx.WithContext(ctx).Create(inv).Error
}

func (r *repositoryImpl) InsertLines(ctx context.Context, tx *gorm.DB, lines []domain.InvoiceLine) error {
	if len(lines) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&lines).Error
}

func (r *repositoryImpl) FindByID(ctx context.Context, tx *gorm.DB, appID, id snowflake.ID) (*domain.Invoice, error) {
	return r.findOne(ctx, tx, "app_id = ? AND id = ?", appID, id)
}

func (r *repositoryImpl) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, appID, id snowflake.ID) (*domain.Invoice, error) {
	return r.findOne(ctx, lockForUpdate(tx), "app_id = ? AND id = ?", appID, id)
}

func (r *repositoryImpl) FindByPeriod(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (*domain.Invoice, error) {
	return r.findOne(ctx, tx, "subscription_id = ? AND period_start = ?", subscriptionID, periodStart)
}

func (r *repositoryImpl) FindLines(ctx context.Context, tx *gorm.DB, appID, invoiceID snowflake.ID) ([]domain.InvoiceLine, error) {
	var rows []domain.InvoiceLine
	err := tx.WithContext(ctx).
		Where("app_id = ? AND invoice_id = ?", appID, invoiceID).
		Order("id asc").
		Find(&rows).Error
	return rows, err
}

func (r *repositoryImpl) UpdateInvoice(ctx context.Context, tx *gorm.DB, inv *domain.Invoice) error {
	return tx.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("app_id = ? AND id = ?", inv.AppID, inv.ID).
		Select("*").
		Omit("id", "app_id", "created_at").
		Updates(inv).Error
}

func (r *repositoryImpl) InsertAttempt(ctx context.Context, tx *gorm.DB, attempt *domain.InvoicePaymentAttempt) error {
	return tx.WithContext(ctx).Create(attempt).Error
}

func (r *repositoryImpl) FindAttempts(ctx context.Context, tx *gorm.DB, appID, invoiceID snowflake.ID) ([]domain.InvoicePaymentAttempt, error) {
	var rows []domain.InvoicePaymentAttempt
	err := tx.WithContext(ctx).
		Where("app_id = ? AND invoice_id = ?", appID, invoiceID).
		Order("id asc").
		Find(&rows).Error
	return rows, err
}

func (r *repositoryImpl) findOne(ctx context.Context, tx *gorm.DB, query string, args ...any) (*domain.Invoice, error) {
	var row domain.Invoice
	err := tx.WithContext(ctx).Where(query, args...).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}
