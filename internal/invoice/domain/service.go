package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
	"gorm.io/gorm"
)

// OverageCharge is one metered feature billed beyond its allotment.
type OverageCharge struct {
	FeatureKey string
	// Units is the count of calls above the allotment.
	Units     int64
	UnitPrice string
}

type GenerateRequest struct {
	AppID          snowflake.ID
	UserID         snowflake.ID
	SubscriptionID snowflake.ID
	Currency       string
	// BaseAmount is the subscription's snapshotted recurring price.
	BaseAmount      string
	BaseDescription string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	Overages        []OverageCharge
}

type ListInvoicesRequest struct {
	UserID         string
	SubscriptionID string
	Status         PaymentStatus
	PageToken      string
	PageSize       int32
}

type ListInvoicesResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type Service interface {
	// GenerateForRenewal writes the invoice and its lines inside the
	// caller's transaction. When the period was already invoiced it
	// returns the existing row and generated=false.
	GenerateForRenewal(ctx context.Context, tx *gorm.DB, req GenerateRequest) (inv *Invoice, generated bool, err error)
	// RecalculateTotals re-derives subtotal, tax and total from the
	// invoice's lines. Running it twice changes nothing.
	RecalculateTotals(ctx context.Context, invoiceID string) (Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (Invoice, error)
	ListInvoices(context.Context, ListInvoicesRequest) (ListInvoicesResponse, error)
	ListLines(ctx context.Context, invoiceID string) ([]InvoiceLine, error)
}

//go:generate mockgen -source=repository.go -destination=./mocks/mock_repository.go -package=mocks
type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, inv *Invoice) error
	InsertLines(ctx context.Context, tx *gorm.DB, lines []InvoiceLine) error
	FindByID(ctx context.Context, tx *gorm.DB, appID, id snowflake.ID) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, appID, id snowflake.ID) (*Invoice, error)
	FindByPeriod(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (*Invoice, error)
	FindLines(ctx context.Context, tx *gorm.DB, appID, invoiceID snowflake.ID) ([]InvoiceLine, error)
	UpdateInvoice(ctx context.Context, tx *gorm.DB, inv *Invoice) error
	InsertAttempt(ctx context.Context, tx *gorm.DB, attempt *InvoicePaymentAttempt) error
	FindAttempts(ctx context.Context, tx *gorm.DB, appID, invoiceID snowflake.ID) ([]InvoicePaymentAttempt, error)
}

var (
	ErrInvalidApp      = errors.New("invalid_app")
	ErrInvalidInvoice  = errors.New("invalid_invoice")
	ErrInvoiceNotFound = errors.New("invoice_not_found")
	ErrInvalidAmount   = errors.New("invalid_amount")
)
