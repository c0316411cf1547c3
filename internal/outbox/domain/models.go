// Package domain defines the transactional outbox. Events are written in the
// same transaction as the state change that caused them and relayed to
// subscribers afterwards, at least once.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Message is one pending event. DedupeKey makes retried producers idempotent:
// a second insert with the same key is silently dropped.
type Message struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	AppID         snowflake.ID   `gorm:"not null;index"`
	Topic         string         `gorm:"type:text;not null;index"`
	AggregateType string         `gorm:"type:text;not null"`
	AggregateID   string         `gorm:"type:text;not null;index"`
	DedupeKey     string         `gorm:"type:text;not null;uniqueIndex:ux_outbox_dedupe"`
	Payload       datatypes.JSON `gorm:"type:jsonb"`
	Retries       int            `gorm:"not null;default:0"`
	ProcessedAt   *time.Time     `gorm:"index"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	DeletedAt     gorm.DeletedAt `gorm:"index"`
}

// TableName sets the database table name.
func (Message) TableName() string { return "outbox_messages" }

// Topics produced by the billing core.
const (
	TopicSubscriptionCreated   = "subscription.created"
	TopicSubscriptionRenewed   = "subscription.renewed"
	TopicSubscriptionChanged   = "subscription.plan_changed"
	TopicSubscriptionCancelled = "subscription.cancelled"
	TopicSubscriptionExpired   = "subscription.expired"
	TopicSubscriptionPastDue   = "subscription.past_due"
	TopicInvoiceCreated        = "invoice.created"
	TopicInvoicePaid           = "invoice.paid"
	TopicInvoicePaymentFailed  = "invoice.payment_failed"
	TopicQuotaExceeded         = "quota.exceeded"
)
