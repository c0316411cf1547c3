package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type EnqueueRequest struct {
	Topic         string
	AggregateType string
	AggregateID   string
	DedupeKey     string
	Payload       map[string]any
}

// Enqueuer is the producer side. Producers call it inside their own
// transaction so the event commits or rolls back with the state change.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx *gorm.DB, req EnqueueRequest) error
}

// Dispatcher receives claimed messages. An error marks the message for
// retry; success marks it processed. Implementations must tolerate
// duplicates, delivery is at least once.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// Relay is the consumer side, driven by the background worker.
type Relay interface {
	// RelayOnce claims a batch of unprocessed messages, dispatches each
	// and marks the delivered ones. It returns the number dispatched.
	RelayOnce(ctx context.Context) (int, error)
	// CleanupProcessed soft-deletes messages processed before the cutoff.
	CleanupProcessed(ctx context.Context, before time.Time) (int64, error)
}

//go:generate mockgen -source=repository.go -destination=./mocks/mock_repository.go -package=mocks
type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, msg *Message) error
	// ClaimPending locks up to limit unprocessed messages for this
	// relay instance, skipping rows held by concurrent relays. A
	// non-zero olderThan restricts the claim to messages created at or
	// before that instant.
	ClaimPending(ctx context.Context, tx *gorm.DB, limit int, olderThan time.Time) ([]Message, error)
	MarkProcessed(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error
	IncrementRetry(ctx context.Context, tx *gorm.DB, id snowflake.ID) error
	DeleteProcessedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

var (
	ErrInvalidTopic = errors.New("invalid_topic")
)
