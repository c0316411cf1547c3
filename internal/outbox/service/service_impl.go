package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/appcontext"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	domain "github.com/smallbiznis/meterline/internal/outbox/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type outboxService struct {
	db         *gorm.DB
	log        *zap.Logger
	node       *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	repo       domain.Repository
	dispatcher domain.Dispatcher
}

type Param struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Node       *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	Repo       domain.Repository
	Dispatcher domain.Dispatcher `optional:"true"`
}

type Result struct {
	fx.Out

	Enqueuer domain.Enqueuer
	Relay    domain.Relay
}

func NewService(p Param) Result {
	svc := &outboxService{
		db:         p.DB,
		log:        p.Log.Named("outbox.service"),
		node:       p.Node,
		clock:      p.Clock,
		billing:    p.Billing,
		repo:       p.Repo,
		dispatcher: p.Dispatcher,
	}
	return Result{Enqueuer: svc, Relay: svc}
}

func (s *outboxService) Enqueue(ctx context.Context, tx *gorm.DB, req domain.EnqueueRequest) error {
	if strings.TrimSpace(req.Topic) == "" {
		return domain.ErrInvalidTopic
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return err
	}

	msg := &domain.Message{
		ID:            s.node.Generate(),
		Topic:         req.Topic,
		AggregateType: req.AggregateType,
		AggregateID:   req.AggregateID,
		DedupeKey:     req.DedupeKey,
		Payload:       datatypes.JSON(payload),
	}
	if msg.DedupeKey == "" {
		msg.DedupeKey = msg.ID.String()
	}
	if appID, ok := appcontext.AppIDFromContext(ctx); ok {
		msg.AppID = appID
	}

	return s.repo.Insert(ctx, tx, msg)
}

// RelayOnce claims a batch and pushes each message to the dispatcher. A
// message is marked processed only after its dispatch returns, so a crash in
// between redelivers it on the next pass.
func (s *outboxService) RelayOnce(ctx context.Context) (int, error) {
	batch := s.billing.Get().OutboxBatchSize
	if batch <= 0 {
		batch = 50
	}

	dispatched := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Zero time: the relay drains regardless of message age.
		msgs, err := s.repo.ClaimPending(ctx, tx, batch, time.Time{})
		if err != nil {
			return err
		}

		for _, msg := range msgs {
			if s.dispatcher != nil {
				if err := s.dispatcher.Dispatch(ctx, msg); err != nil {
					s.log.Warn("dispatch failed",
						zap.Int64("message_id", msg.ID.Int64()),
						zap.String("topic", msg.Topic),
						zap.Error(err),
					)
					if err := s.repo.IncrementRetry(ctx, tx, msg.ID); err != nil {
						return err
					}
					continue
				}
			}
			if err := s.repo.MarkProcessed(ctx, tx, msg.ID, s.clock.Now()); err != nil {
				return err
			}
			dispatched++
		}
		return nil
	})
	if err != nil {
		return dispatched, err
	}
	return dispatched, nil
}

func (s *outboxService) CleanupProcessed(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.repo.DeleteProcessedBefore(ctx, tx, before)
		if err != nil {
			return err
		}
		removed = n
		return nil
	})
	return removed, err
}
