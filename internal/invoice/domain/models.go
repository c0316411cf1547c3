// Package domain contains invoice persistence models. Monetary values are
// stored as decimal strings and computed with shopspring/decimal; floats
// never touch money.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PaymentStatus is the invoice-level payment state.
type PaymentStatus string

const (
	PaymentStatusPending        PaymentStatus = "PENDING"
	PaymentStatusProcessing     PaymentStatus = "PROCESSING"
	PaymentStatusRequiresAction PaymentStatus = "REQUIRES_ACTION"
	PaymentStatusPaid           PaymentStatus = "PAID"
	PaymentStatusFailed         PaymentStatus = "FAILED"
	PaymentStatusCancelled      PaymentStatus = "CANCELLED"
)

// Invoice bills one subscription period. The unique index on
// (subscription_id, period_start) is the hard guarantee that a retried
// renewal can never double-bill a period.
type Invoice struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	AppID          snowflake.ID  `gorm:"not null;index"`
	UserID         snowflake.ID  `gorm:"not null;index"`
	SubscriptionID snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_invoice_period,priority:1"`
	PeriodStart    time.Time     `gorm:"not null;uniqueIndex:ux_invoice_period,priority:2"`
	PeriodEnd      time.Time     `gorm:"not null"`
	Currency       string        `gorm:"type:text;not null"`
	Subtotal       string        `gorm:"type:text;not null;default:'0'"`
	TaxRate        string        `gorm:"type:text;not null;default:'0'"`
	Tax            string        `gorm:"type:text;not null;default:'0'"`
	Total          string        `gorm:"type:text;not null;default:'0'"`
	PaymentStatus  PaymentStatus `gorm:"type:text;not null;default:'PENDING'"`
	// RequiresAction flags a charge parked on a customer step (3DS or
	// similar). PaymentStatus keeps its pre-charge value while it is set.
	RequiresAction bool              `gorm:"not null;default:false"`
	AttemptCount   int               `gorm:"not null;default:0"`
	LastError      string            `gorm:"type:text"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	IssuedAt       time.Time         `gorm:"not null"`
	PaidAt         *time.Time        `gorm:""`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// LineType distinguishes the recurring plan charge from metered overage.
type LineType string

const (
	LineTypeBase    LineType = "BASE"
	LineTypeOverage LineType = "OVERAGE"
)

type InvoiceLine struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	AppID       snowflake.ID `gorm:"not null;index"`
	InvoiceID   snowflake.ID `gorm:"not null;index"`
	LineType    LineType     `gorm:"type:text;not null"`
	FeatureKey  string       `gorm:"type:text"`
	Description string       `gorm:"type:text;not null"`
	Quantity    int64        `gorm:"not null;default:1"`
	UnitPrice   string       `gorm:"type:text;not null"`
	Amount      string       `gorm:"type:text;not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceLine) TableName() string { return "invoice_lines" }

// InvoicePaymentAttempt records one call to a payment provider. Rows are
// written only after the provider has answered, never before.
type InvoicePaymentAttempt struct {
	ID           snowflake.ID  `gorm:"primaryKey"`
	AppID        snowflake.ID  `gorm:"not null;index"`
	InvoiceID    snowflake.ID  `gorm:"not null;index"`
	Provider     string        `gorm:"type:text;not null"`
	Status       PaymentStatus `gorm:"type:text;not null"`
	ProviderRef  string        `gorm:"type:text"`
	ErrorMessage string        `gorm:"type:text"`
	CreatedAt    time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoicePaymentAttempt) TableName() string { return "invoice_payment_attempts" }
