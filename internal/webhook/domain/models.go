// Package domain defines webhook endpoints and their delivery log.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

// Endpoint is a subscriber URL. EventTypes filters which topics it receives;
// empty means all. A revoked endpoint keeps its history but gets nothing new.
type Endpoint struct {
	ID         snowflake.ID   `gorm:"primaryKey"`
	AppID      snowflake.ID   `gorm:"not null;index"`
	URL        string         `gorm:"type:text;not null"`
	Secret     string         `gorm:"type:text;not null"`
	EventTypes pq.StringArray `gorm:"type:text[]"`
	Active     bool           `gorm:"not null;default:true"`
	RevokedAt  *time.Time     `gorm:""`
	CreatedAt  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Endpoint) TableName() string { return "webhook_endpoints" }

// Delivery is one send attempt to one endpoint. StatusCode 0 means the
// request never reached the endpoint.
type Delivery struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	AppID      snowflake.ID `gorm:"not null;index"`
	EndpointID snowflake.ID `gorm:"not null;index"`
	MessageID  snowflake.ID `gorm:"not null;index"`
	Topic      string       `gorm:"type:text;not null"`
	StatusCode int          `gorm:"not null;default:0"`
	Success    bool         `gorm:"not null;default:false"`
	Error      string       `gorm:"type:text"`
	// ResponseBody holds a truncated copy of what the endpoint answered,
	// kept for subscriber debugging.
	ResponseBody string `gorm:"type:text"`
	// Retries snapshots how often the message had been retried when this
	// attempt was made.
	Retries    int       `gorm:"not null;default:0"`
	DurationMs int64     `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Delivery) TableName() string { return "webhook_deliveries" }
