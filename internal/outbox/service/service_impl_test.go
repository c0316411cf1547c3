package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/meterline/internal/appcontext"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	domain "github.com/smallbiznis/meterline/internal/outbox/domain"
	outboxrepo "github.com/smallbiznis/meterline/internal/outbox/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// captureDispatcher records delivered messages and can be told to fail.
type captureDispatcher struct {
	mu       sync.Mutex
	messages []domain.Message
	failWith error
}

func (d *captureDispatcher) Dispatch(ctx context.Context, msg domain.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return d.failWith
	}
	d.messages = append(d.messages, msg)
	return nil
}

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

func (d *captureDispatcher) setFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWith = err
}

type fixture struct {
	enqueuer   domain.Enqueuer
	relay      domain.Relay
	db         *gorm.DB
	node       *snowflake.Node
	clock      *clock.FakeClock
	dispatcher *captureDispatcher
	appID      snowflake.ID
}

func newFixture(t *testing.T, withDispatcher bool) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	if err := db.AutoMigrate(&domain.Message{}); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	node, _ := snowflake.NewNode(1)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	p := Param{
		DB:    db,
		Log:   zap.NewNop(),
		Node:  node,
		Clock: fake,
		Billing: config.NewStaticBillingConfigHolder(config.BillingConfig{
			TaxRate:                "0.18",
			MaxRenewalAttempts:     3,
			DefaultPaymentProvider: "mockpay",
			OutboxBatchSize:        50,
			WebhookMaxRetries:      5,
		}),
		Repo: outboxrepo.NewRepository(outboxrepo.Param{DB: db}),
	}
	f := &fixture{
		db:    db,
		node:  node,
		clock: fake,
		appID: node.Generate(),
	}
	if withDispatcher {
		f.dispatcher = &captureDispatcher{}
		p.Dispatcher = f.dispatcher
	}
	result := NewService(p)
	f.enqueuer = result.Enqueuer
	f.relay = result.Relay
	return f
}

func (f *fixture) ctx() context.Context {
	return appcontext.WithApp(context.Background(), f.appID)
}

func (f *fixture) enqueue(t *testing.T, topic, dedupeKey string) {
	t.Helper()
	err := f.enqueuer.Enqueue(f.ctx(), f.db, domain.EnqueueRequest{
		Topic:         topic,
		AggregateType: "subscription",
		AggregateID:   "1",
		DedupeKey:     dedupeKey,
		Payload:       map[string]any{"subscription_id": "1"},
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	f := newFixture(t, true)

	f.enqueue(t, domain.TopicSubscriptionCreated, "subscription.created:1")
	f.enqueue(t, domain.TopicSubscriptionCreated, "subscription.created:1")

	var count int64
	f.db.Model(&domain.Message{}).Count(&count)
	if count != 1 {
		t.Fatalf("messages = %d, want 1 after duplicate enqueue", count)
	}
}

func TestEnqueueRejectsEmptyTopic(t *testing.T) {
	f := newFixture(t, true)

	err := f.enqueuer.Enqueue(f.ctx(), f.db, domain.EnqueueRequest{Topic: "  "})
	if !errors.Is(err, domain.ErrInvalidTopic) {
		t.Fatalf("got %v, want ErrInvalidTopic", err)
	}
}

func TestRelayOnceDelivers(t *testing.T) {
	f := newFixture(t, true)

	f.enqueue(t, domain.TopicSubscriptionCreated, "a")
	f.enqueue(t, domain.TopicInvoiceCreated, "b")

	dispatched, err := f.relay.RelayOnce(f.ctx())
	if err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	if dispatched != 2 {
		t.Fatalf("dispatched = %d, want 2", dispatched)
	}
	if f.dispatcher.count() != 2 {
		t.Fatalf("dispatcher saw %d messages", f.dispatcher.count())
	}

	var pending int64
	f.db.Model(&domain.Message{}).Where("processed_at IS NULL").Count(&pending)
	if pending != 0 {
		t.Fatalf("pending = %d after relay, want 0", pending)
	}

	// Nothing left to claim.
	dispatched, err = f.relay.RelayOnce(f.ctx())
	if err != nil || dispatched != 0 {
		t.Fatalf("second relay: %d, %v", dispatched, err)
	}
}

func TestRelayOnceRetriesOnDispatchFailure(t *testing.T) {
	f := newFixture(t, true)
	f.enqueue(t, domain.TopicSubscriptionCreated, "a")

	f.dispatcher.setFailure(errors.New("broker unavailable"))

	dispatched, err := f.relay.RelayOnce(f.ctx())
	if err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	if dispatched != 0 {
		t.Fatalf("dispatched = %d, want 0", dispatched)
	}

	var msg domain.Message
	f.db.First(&msg)
	if msg.Retries != 1 {
		t.Fatalf("retries = %d, want 1", msg.Retries)
	}
	if msg.ProcessedAt != nil {
		t.Fatal("failed message marked processed")
	}

	// The broker recovers and the message goes through.
	f.dispatcher.setFailure(nil)
	dispatched, err = f.relay.RelayOnce(f.ctx())
	if err != nil || dispatched != 1 {
		t.Fatalf("recovery relay: %d, %v", dispatched, err)
	}
}

func TestRelayOnceWithoutDispatcher(t *testing.T) {
	f := newFixture(t, false)
	f.enqueue(t, domain.TopicSubscriptionCreated, "a")

	// No dispatcher configured: messages are drained, not stuck.
	dispatched, err := f.relay.RelayOnce(f.ctx())
	if err != nil || dispatched != 1 {
		t.Fatalf("relay: %d, %v", dispatched, err)
	}
}

func TestClaimPendingAgeFilter(t *testing.T) {
	f := newFixture(t, true)
	repo := outboxrepo.NewRepository(outboxrepo.Param{DB: f.db})

	old := domain.Message{
		ID:            f.node.Generate(),
		AppID:         f.appID,
		Topic:         domain.TopicInvoiceCreated,
		AggregateType: "invoice",
		AggregateID:   "1",
		DedupeKey:     "aged",
		CreatedAt:     f.clock.Now().Add(-2 * time.Hour),
	}
	fresh := domain.Message{
		ID:            f.node.Generate(),
		AppID:         f.appID,
		Topic:         domain.TopicInvoiceCreated,
		AggregateType: "invoice",
		AggregateID:   "2",
		DedupeKey:     "fresh",
		CreatedAt:     f.clock.Now(),
	}
	if err := f.db.Create(&old).Error; err != nil {
		t.Fatalf("seed old: %v", err)
	}
	if err := f.db.Create(&fresh).Error; err != nil {
		t.Fatalf("seed fresh: %v", err)
	}

	claimed, err := repo.ClaimPending(context.Background(), f.db, 10, f.clock.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].DedupeKey != "aged" {
		t.Fatalf("claimed: %+v", claimed)
	}

	// Zero time drains regardless of age.
	claimed, err = repo.ClaimPending(context.Background(), f.db, 10, time.Time{})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed = %d, want 2", len(claimed))
	}
}

func TestCleanupProcessed(t *testing.T) {
	f := newFixture(t, true)

	f.enqueue(t, domain.TopicSubscriptionCreated, "a")
	f.enqueue(t, domain.TopicSubscriptionCreated, "b")
	if _, err := f.relay.RelayOnce(f.ctx()); err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	f.enqueue(t, domain.TopicSubscriptionCreated, "c")

	removed, err := f.relay.CleanupProcessed(f.ctx(), f.clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	var remaining int64
	f.db.Model(&domain.Message{}).Count(&remaining)
	if remaining != 1 {
		t.Fatalf("remaining = %d, want the unprocessed message", remaining)
	}
}
