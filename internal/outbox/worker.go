// Package outbox relays transactional events to subscribers.
package outbox

import (
	"context"
	"time"

	"github.com/smallbiznis/meterline/internal/config"
	domain "github.com/smallbiznis/meterline/internal/outbox/domain"
	"github.com/smallbiznis/meterline/internal/outbox/repository"
	"github.com/smallbiznis/meterline/internal/outbox/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the outbox producer, relay and background worker.
var Module = fx.Module("outbox",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
	fx.Provide(NewWorker),
	fx.Invoke(registerWorker),
)

const cleanupRetention = 7 * 24 * time.Hour

// Worker drives the relay on a fixed interval.
type Worker struct {
	log      *zap.Logger
	relay    domain.Relay
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

type WorkerParam struct {
	fx.In

	Log   *zap.Logger
	Cfg   config.Config
	Relay domain.Relay
}

func NewWorker(p WorkerParam) *Worker {
	return &Worker{
		log:      p.Log.Named("outbox.worker"),
		relay:    p.Relay,
		interval: p.Cfg.OutboxInterval,
	}
}

func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(ctx)
}

func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.relay.RelayOnce(ctx)
			if err != nil {
				w.log.Error("relay pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				w.log.Debug("relayed messages", zap.Int("count", n))
			}
		case <-cleanup.C:
			removed, err := w.relay.CleanupProcessed(ctx, time.Now().Add(-cleanupRetention))
			if err != nil {
				w.log.Error("cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				w.log.Info("removed processed messages", zap.Int64("count", removed))
			}
		}
	}
}

func registerWorker(lc fx.Lifecycle, w *Worker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			w.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			w.Stop()
			return nil
		},
	})
}
