// Package scheduler drives time-based billing work: renewing subscriptions
// that reached their period end and expiring the non-renewing ones.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/meterline/internal/appcontext"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// batchLimit bounds how many subscriptions one pass picks up. Anything left
// over is caught by the next tick.
const batchLimit = 100

type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	interval time.Duration
	subs     subscriptiondomain.Repository
	svc      subscriptiondomain.Service
	payments paymentdomain.Service
	metrics  *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

type Param struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	Clock    clock.Clock
	Subs     subscriptiondomain.Repository
	Svc      subscriptiondomain.Service
	Payments paymentdomain.Service
	Metrics  *metrics.Metrics `optional:"true"`
}

func New(p Param) *Scheduler {
	return &Scheduler{
		db:       p.DB,
		log:      p.Log.Named("scheduler"),
		clock:    p.Clock,
		interval: p.Cfg.SchedulerInterval,
		subs:     p.Subs,
		svc:      p.Svc,
		payments: p.Payments,
		metrics:  p.Metrics,
	}
}

// RunOnce executes a single pass and returns how many subscriptions were
// successfully renewed. One subscription failing never stops the pass.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()

	due, err := s.subs.FindDueForRenewal(ctx, s.db, now, batchLimit)
	if err != nil {
		return 0, err
	}

	renewed := 0
	for _, sub := range due {
		if err := s.renewOne(ctx, sub); err != nil {
			s.metrics.RecordRenewal(ctx, "failed")
			s.log.Error("renewal failed",
				zap.Int64("subscription_id", sub.ID.Int64()),
				zap.Error(err),
			)
			continue
		}
		s.metrics.RecordRenewal(ctx, "renewed")
		renewed++
	}

	expirable, err := s.subs.FindExpirable(ctx, s.db, now, batchLimit)
	if err != nil {
		return renewed, err
	}
	for _, sub := range expirable {
		subCtx := appcontext.WithIdentity(ctx, sub.AppID, sub.UserID)
		if err := s.svc.Expire(subCtx, sub.ID); err != nil {
			s.log.Error("expire failed",
				zap.Int64("subscription_id", sub.ID.Int64()),
				zap.Error(err),
			)
		}
	}

	return renewed, nil
}

// renewOne advances one subscription and charges its invoice. Both a renewal
// error and a declined charge count against the failure ceiling.
func (s *Scheduler) renewOne(ctx context.Context, sub subscriptiondomain.Subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("renewal panic: %v", r)
		}
	}()

	subCtx := appcontext.WithIdentity(ctx, sub.AppID, sub.UserID)

	result, err := s.svc.Renew(subCtx, sub.ID)
	if err != nil {
		if markErr := s.svc.MarkRenewalFailed(subCtx, sub.ID); markErr != nil {
			s.log.Error("mark renewal failed",
				zap.Int64("subscription_id", sub.ID.Int64()),
				zap.Error(markErr),
			)
		}
		return err
	}
	if result.Skipped {
		return nil
	}

	outcome, err := s.payments.ProcessInvoice(subCtx, paymentdomain.ProcessInvoiceRequest{
		InvoiceID: result.InvoiceID.String(),
	})
	if err == nil && outcome.Status != paymentdomain.ChargeStatusFailed {
		return nil
	}
	if err != nil {
		s.log.Warn("renewal charge errored",
			zap.Int64("invoice_id", result.InvoiceID.Int64()),
			zap.Error(err),
		)
	}
	if markErr := s.svc.MarkRenewalFailed(subCtx, sub.ID); markErr != nil {
		s.log.Error("mark renewal failed",
			zap.Int64("subscription_id", sub.ID.Int64()),
			zap.Error(markErr),
		)
	}
	return nil
}

// RunForever ticks immediately, then on every interval until ctx ends.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if n, err := s.RunOnce(ctx); err != nil {
			s.log.Error("scheduler pass failed", zap.Error(err))
		} else if n > 0 {
			s.log.Info("scheduler pass complete", zap.Int("renewed", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.RunForever(ctx)
	}()
}

func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Module wires the renewal scheduler into the application lifecycle.
var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(register),
)

func register(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.Stop()
			return nil
		},
	})
}
