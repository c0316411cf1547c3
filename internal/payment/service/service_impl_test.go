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
	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/meterline/internal/invoice/repository"
	outboxdomain "github.com/smallbiznis/meterline/internal/outbox/domain"
	domain "github.com/smallbiznis/meterline/internal/payment/domain"
	"github.com/smallbiznis/meterline/internal/payment/providers"
	"github.com/smallbiznis/meterline/internal/payment/providers/mockpay"
	"github.com/smallbiznis/meterline/internal/payment/providers/stripe"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeOutbox struct {
	mu      sync.Mutex
	entries []outboxdomain.EnqueueRequest
}

func (f *fakeOutbox) Enqueue(ctx context.Context, tx *gorm.DB, req outboxdomain.EnqueueRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, req)
	return nil
}

func (f *fakeOutbox) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	topics := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		topics = append(topics, e.Topic)
	}
	return topics
}

// declinepay answers every charge with a decline. It stands in for a
// gateway that keeps rejecting the card.
type declinepay struct{}

func (declinepay) Key() string { return "declinepay" }

func (declinepay) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	return domain.ChargeResult{
		Status:      domain.ChargeStatusFailed,
		ProviderRef: "decline_001",
		Message:     "card_declined",
	}, nil
}

func (declinepay) Cancel(ctx context.Context, providerRef string) error { return nil }

// droppay answers every charge with the context cancellation error, a
// stand-in for a caller that aborted mid-flight.
type droppay struct{}

func (droppay) Key() string { return "droppay" }

func (droppay) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	return domain.ChargeResult{}, context.Canceled
}

func (droppay) Cancel(ctx context.Context, providerRef string) error { return nil }

type fixture struct {
	svc     domain.Service
	db      *gorm.DB
	node    *snowflake.Node
	clock   *clock.FakeClock
	outbox  *fakeOutbox
	mockpay *mockpay.Adapter

	appID  snowflake.ID
	userID snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	err = db.AutoMigrate(
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&invoicedomain.InvoicePaymentAttempt{},
	)
	if err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	node, _ := snowflake.NewNode(1)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	outbox := &fakeOutbox{}
	adapter := mockpay.NewAdapter()

	// The stripe adapter carries no API key so credential checks have
	// something to reject.
	registry, err := providers.NewRegistry(providers.RegistryParam{
		Providers: []domain.Provider{adapter, declinepay{}, droppay{}, stripe.NewAdapter("", "")},
	})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	svc := NewService(Param{
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
		Invoices: invoicerepo.NewRepository(invoicerepo.Param{DB: db}),
		Registry: registry,
		Outbox:   outbox,
	})

	return &fixture{
		svc:     svc,
		db:      db,
		node:    node,
		clock:   fake,
		outbox:  outbox,
		mockpay: adapter,
		appID:   node.Generate(),
		userID:  node.Generate(),
	}
}

func (f *fixture) ctx() context.Context {
	return appcontext.WithIdentity(context.Background(), f.appID, f.userID)
}

// seedInvoice inserts a pending invoice ready to be charged.
func (f *fixture) seedInvoice(t *testing.T, total string) invoicedomain.Invoice {
	t.Helper()
	now := f.clock.Now()
	inv := invoicedomain.Invoice{
		ID:             f.node.Generate(),
		AppID:          f.appID,
		UserID:         f.userID,
		SubscriptionID: f.node.Generate(),
		PeriodStart:    now,
		PeriodEnd:      now.AddDate(0, 1, 0),
		Currency:       "USD",
		Subtotal:       total,
		TaxRate:        "0",
		Tax:            "0.00",
		Total:          total,
		PaymentStatus:  invoicedomain.PaymentStatusPending,
		IssuedAt:       now,
	}
	if err := f.db.Create(&inv).Error; err != nil {
		t.Fatalf("seed invoice: %v", err)
	}
	return inv
}

func TestProcessInvoiceSuccess(t *testing.T) {
	f := newFixture(t)
	inv := f.seedInvoice(t, "50.00")

	outcome, err := f.svc.ProcessInvoice(f.ctx(), domain.ProcessInvoiceRequest{
		InvoiceID: inv.ID.String(),
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if outcome.Status != domain.ChargeStatusSuccess {
		t.Fatalf("status = %s, want SUCCESS", outcome.Status)
	}
	if outcome.ProviderRef == "" {
		t.Fatal("missing provider ref")
	}

	var stored invoicedomain.Invoice
	f.db.First(&stored, "id = ?", inv.ID)
	if stored.PaymentStatus != invoicedomain.PaymentStatusPaid {
		t.Fatalf("invoice status = %s, want PAID", stored.PaymentStatus)
	}
	if stored.PaidAt == nil || !stored.PaidAt.Equal(f.clock.Now()) {
		t.Fatalf("PaidAt = %v", stored.PaidAt)
	}
	if stored.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", stored.AttemptCount)
	}

	attempts, err := f.svc.GetAttempts(f.ctx(), inv.ID.String())
	if err != nil {
		t.Fatalf("get attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Status != invoicedomain.PaymentStatusPaid {
		t.Fatalf("attempts: %+v", attempts)
	}

	topics := f.outbox.topics()
	if len(topics) != 1 || topics[0] != outboxdomain.TopicInvoicePaid {
		t.Fatalf("outbox topics = %v", topics)
	}

	// Paying a paid invoice is rejected.
	if _, err := f.svc.ProcessInvoice(f.ctx(), domain.ProcessInvoiceRequest{
		InvoiceID: inv.ID.String(),
	}); !errors.Is(err, domain.ErrInvoicePaid) {
		t.Fatalf("double pay: got %v, want ErrInvoicePaid", err)
	}
}

func TestProcessInvoiceRequiresAction(t *testing.T) {
	f := newFixture(t)
	inv := f.seedInvoice(t, "15000.00")

	outcome, err := f.svc.ProcessInvoice(f.ctx(), domain.ProcessInvoiceRequest{
		InvoiceID: inv.ID.String(),
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if outcome.Status != domain.ChargeStatusRequiresAction {
		t.Fatalf("status = %s, want REQUIRES_ACTION", outcome.Status)
	}
	if outcome.RedirectURL == "" {
		t.Fatal("missing redirect URL for 3DS challenge")
	}

	// The action-pending charge flags the invoice; its payment state is
	// whatever it was before the attempt.
	var stored invoicedomain.Invoice
	f.db.First(&stored, "id = ?", inv.ID)
	if !stored.RequiresAction {
		t.Fatal("RequiresAction not set")
	}
	if stored.PaymentStatus != invoicedomain.PaymentStatusPending {
		t.Fatalf("invoice status = %s, want PENDING", stored.PaymentStatus)
	}
	if stored.PaidAt != nil {
		t.Fatal("PaidAt set on an unsettled invoice")
	}

	attempts, err := f.svc.GetAttempts(f.ctx(), inv.ID.String())
	if err != nil {
		t.Fatalf("get attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Status != invoicedomain.PaymentStatusRequiresAction {
		t.Fatalf("attempts: %+v", attempts)
	}

	// Completing the pending action retries without force.
	retried, err := f.svc.RetryInvoice(f.ctx(), inv.ID.String(), false)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retried.Status != domain.ChargeStatusRequiresAction {
		t.Fatalf("retry status = %s", retried.Status)
	}
}

func TestRetryAfterDecline(t *testing.T) {
	f := newFixture(t)
	inv := f.seedInvoice(t, "50.00")

	outcome, err := f.svc.ProcessInvoice(f.ctx(), domain.ProcessInvoiceRequest{
		InvoiceID: inv.ID.String(),
		Provider:  "declinepay",
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if outcome.Status != domain.ChargeStatusFailed {
		t.Fatalf("status = %s, want FAILED", outcome.Status)
	}

	var stored invoicedomain.Invoice
	f.db.First(&stored, "id = ?", inv.ID)
	if stored.PaymentStatus != invoicedomain.PaymentStatusFailed {
		t.Fatalf("invoice status = %s, want FAILED", stored.PaymentStatus)
	}
	if stored.LastError != "card_declined" {
		t.Fatalf("last error = %q", stored.LastError)
	}

	// The retry falls back to the configured default provider.
	retried, err := f.svc.RetryInvoice(f.ctx(), inv.ID.String(), false)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retried.Status != domain.ChargeStatusSuccess {
		t.Fatalf("retry status = %s, want SUCCESS", retried.Status)
	}

	f.db.First(&stored, "id = ?", inv.ID)
	if stored.PaymentStatus != invoicedomain.PaymentStatusPaid {
		t.Fatalf("invoice status = %s, want PAID", stored.PaymentStatus)
	}
	if stored.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", stored.AttemptCount)
	}
	if stored.LastError != "" {
		t.Fatalf("last error not cleared: %q", stored.LastError)
	}

	topics := f.outbox.topics()
	if len(topics) != 2 || topics[0] != outboxdomain.TopicInvoicePaymentFailed || topics[1] != outboxdomain.TopicInvoicePaid {
		t.Fatalf("outbox topics = %v", topics)
	}
}

func TestRetryOnPendingRejected(t *testing.T) {
	f := newFixture(t)
	inv := f.seedInvoice(t, "50.00")

	if _, err := f.svc.RetryInvoice(f.ctx(), inv.ID.String(), false); !errors.Is(err, domain.ErrNotRetryable) {
		t.Fatalf("got %v, want ErrNotRetryable", err)
	}

	// The operator override charges anyway.
	forced, err := f.svc.RetryInvoice(f.ctx(), inv.ID.String(), true)
	if err != nil {
		t.Fatalf("forced retry failed: %v", err)
	}
	if forced.Status != domain.ChargeStatusSuccess {
		t.Fatalf("forced status = %s, want SUCCESS", forced.Status)
	}
}

func TestChargeCancellationPropagates(t *testing.T) {
	f := newFixture(t)
	inv := f.seedInvoice(t, "50.00")

	_, err := f.svc.ProcessInvoice(f.ctx(), domain.ProcessInvoiceRequest{
		InvoiceID: inv.ID.String(),
		Provider:  "droppay",
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}

	// No attempt row; the invoice is left parked in PROCESSING.
	var stored invoicedomain.Invoice
	f.db.First(&stored, "id = ?", inv.ID)
	if stored.PaymentStatus != invoicedomain.PaymentStatusProcessing {
		t.Fatalf("invoice status = %s, want PROCESSING", stored.PaymentStatus)
	}
	var attempts int64
	f.db.Model(&invoicedomain.InvoicePaymentAttempt{}).Where("invoice_id = ?", inv.ID).Count(&attempts)
	if attempts != 0 {
		t.Fatalf("attempts = %d, want 0", attempts)
	}

	// A plain retry is gated on PROCESSING; the forced one recovers.
	if _, err := f.svc.RetryInvoice(f.ctx(), inv.ID.String(), false); !errors.Is(err, domain.ErrNotRetryable) {
		t.Fatalf("got %v, want ErrNotRetryable", err)
	}
	forced, err := f.svc.RetryInvoice(f.ctx(), inv.ID.String(), true)
	if err != nil {
		t.Fatalf("forced retry failed: %v", err)
	}
	if forced.Status != domain.ChargeStatusSuccess {
		t.Fatalf("forced status = %s, want SUCCESS", forced.Status)
	}
}

func TestProcessInvoiceRejectsNonPositiveTotal(t *testing.T) {
	f := newFixture(t)
	inv := f.seedInvoice(t, "0.00")

	if _, err := f.svc.ProcessInvoice(f.ctx(), domain.ProcessInvoiceRequest{
		InvoiceID: inv.ID.String(),
	}); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("got %v, want ErrInvalidAmount", err)
	}

	// Fatal before the PROCESSING transition: nothing was attempted.
	var stored invoicedomain.Invoice
	f.db.First(&stored, "id = ?", inv.ID)
	if stored.PaymentStatus != invoicedomain.PaymentStatusPending || stored.AttemptCount != 0 {
		t.Fatalf("invoice: status=%s attempts=%d", stored.PaymentStatus, stored.AttemptCount)
	}
}

func TestProcessInvoiceMissingCredentials(t *testing.T) {
	f := newFixture(t)
	inv := f.seedInvoice(t, "50.00")

	if _, err := f.svc.ProcessInvoice(f.ctx(), domain.ProcessInvoiceRequest{
		InvoiceID: inv.ID.String(),
		Provider:  "stripe",
	}); !errors.Is(err, domain.ErrMissingCredentials) {
		t.Fatalf("got %v, want ErrMissingCredentials", err)
	}

	var stored invoicedomain.Invoice
	f.db.First(&stored, "id = ?", inv.ID)
	if stored.PaymentStatus != invoicedomain.PaymentStatusPending || stored.AttemptCount != 0 {
		t.Fatalf("invoice: status=%s attempts=%d", stored.PaymentStatus, stored.AttemptCount)
	}
}

func TestProcessInvoiceUnknownProvider(t *testing.T) {
	f := newFixture(t)
	inv := f.seedInvoice(t, "50.00")

	if _, err := f.svc.ProcessInvoice(f.ctx(), domain.ProcessInvoiceRequest{
		InvoiceID: inv.ID.String(),
		Provider:  "paypal",
	}); !errors.Is(err, domain.ErrUnknownProvider) {
		t.Fatalf("got %v, want ErrUnknownProvider", err)
	}
}

func TestCancelInvoicePropagates(t *testing.T) {
	f := newFixture(t)
	inv := f.seedInvoice(t, "15000.00")

	// The 3DS-parked charge holds a provider ref worth voiding.
	outcome, err := f.svc.ProcessInvoice(f.ctx(), domain.ProcessInvoiceRequest{
		InvoiceID: inv.ID.String(),
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	cancelled, err := f.svc.CancelInvoice(f.ctx(), inv.ID.String())
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.PaymentStatus != invoicedomain.PaymentStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", cancelled.PaymentStatus)
	}
	if cancelled.RequiresAction {
		t.Fatal("RequiresAction survived cancellation")
	}
	if !f.mockpay.Cancelled(outcome.ProviderRef) {
		t.Fatal("cancel not propagated to the gateway")
	}

	// Cancelling again is a no-op.
	again, err := f.svc.CancelInvoice(f.ctx(), inv.ID.String())
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if again.PaymentStatus != invoicedomain.PaymentStatusCancelled {
		t.Fatalf("repeat status = %s", again.PaymentStatus)
	}

	// A paid invoice cannot be cancelled.
	paid := f.seedInvoice(t, "50.00")
	if _, err := f.svc.ProcessInvoice(f.ctx(), domain.ProcessInvoiceRequest{
		InvoiceID: paid.ID.String(),
	}); err != nil {
		t.Fatalf("pay failed: %v", err)
	}
	if _, err := f.svc.CancelInvoice(f.ctx(), paid.ID.String()); !errors.Is(err, domain.ErrInvoicePaid) {
		t.Fatalf("cancel paid: got %v, want ErrInvoicePaid", err)
	}
}
