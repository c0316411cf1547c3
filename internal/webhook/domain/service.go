package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	outboxdomain "github.com/smallbiznis/meterline/internal/outbox/domain"
	"gorm.io/gorm"
)

type RegisterEndpointRequest struct {
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
	EventTypes []string `json:"event_types,omitempty"`
}

type Service interface {
	RegisterEndpoint(context.Context, RegisterEndpointRequest) (Endpoint, error)
	ListEndpoints(ctx context.Context) ([]Endpoint, error)
	// RevokeEndpoint stops all future deliveries. The endpoint row and
	// its delivery history stay.
	RevokeEndpoint(ctx context.Context, endpointID string) error
	ListDeliveries(ctx context.Context, endpointID string, limit int) ([]Delivery, error)
	// RedeliverFailed re-sends the most recent failed delivery of each
	// message to the given endpoint.
	RedeliverFailed(ctx context.Context, endpointID string, limit int) (int, error)

	// Dispatch fans an outbox message out to every matching endpoint.
	// It satisfies the outbox relay's dispatcher contract.
	Dispatch(ctx context.Context, msg outboxdomain.Message) error
}

//go:generate mockgen -source=repository.go -destination=./mocks/mock_repository.go -package=mocks
type Repository interface {
	InsertEndpoint(ctx context.Context, tx *gorm.DB, endpoint *Endpoint) error
	FindEndpoint(ctx context.Context, tx *gorm.DB, appID, id snowflake.ID) (*Endpoint, error)
	FindActiveEndpoints(ctx context.Context, tx *gorm.DB, appID snowflake.ID) ([]Endpoint, error)
	FindEndpointsByApp(ctx context.Context, tx *gorm.DB, appID snowflake.ID) ([]Endpoint, error)
	UpdateEndpoint(ctx context.Context, tx *gorm.DB, endpoint *Endpoint) error

	InsertDelivery(ctx context.Context, tx *gorm.DB, delivery *Delivery) error
	FindDeliveries(ctx context.Context, tx *gorm.DB, appID, endpointID snowflake.ID, limit int) ([]Delivery, error)
	FindFailedDeliveries(ctx context.Context, tx *gorm.DB, appID, endpointID snowflake.ID, limit int) ([]Delivery, error)
	FindMessage(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*outboxdomain.Message, error)
}

var (
	ErrInvalidApp       = errors.New("invalid_app")
	ErrInvalidEndpoint  = errors.New("invalid_endpoint")
	ErrInvalidURL       = errors.New("invalid_url")
	ErrInvalidSecret    = errors.New("invalid_secret")
	ErrEndpointNotFound = errors.New("endpoint_not_found")
	ErrEndpointRevoked  = errors.New("endpoint_revoked")
)
