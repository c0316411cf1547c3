package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/appcontext"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	domain "github.com/smallbiznis/meterline/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// stubRepo serves canned due and expirable subscriptions. The scheduler only
// reads; everything else panics to catch accidental use.
type stubRepo struct {
	domain.Repository

	due       []domain.Subscription
	expirable []domain.Subscription
}

func (s *stubRepo) FindDueForRenewal(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	return s.due, nil
}

func (s *stubRepo) FindExpirable(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	return s.expirable, nil
}

// stubService records which subscriptions were renewed, failed and expired.
type stubService struct {
	domain.Service

	node      *snowflake.Node
	renewErr  map[snowflake.ID]error
	renewed   []snowflake.ID
	failed    []snowflake.ID
	expired   []snowflake.ID
	expireCtx []context.Context
}

func (s *stubService) Renew(ctx context.Context, subscriptionID snowflake.ID) (domain.RenewResult, error) {
	if err := s.renewErr[subscriptionID]; err != nil {
		return domain.RenewResult{}, err
	}
	s.renewed = append(s.renewed, subscriptionID)
	return domain.RenewResult{
		Subscription: domain.Subscription{ID: subscriptionID},
		InvoiceID:    s.node.Generate(),
	}, nil
}

func (s *stubService) MarkRenewalFailed(ctx context.Context, subscriptionID snowflake.ID) error {
	s.failed = append(s.failed, subscriptionID)
	return nil
}

func (s *stubService) Expire(ctx context.Context, subscriptionID snowflake.ID) error {
	s.expired = append(s.expired, subscriptionID)
	s.expireCtx = append(s.expireCtx, ctx)
	return nil
}

// stubPayments answers every charge with a fixed status.
type stubPayments struct {
	paymentdomain.Service

	status   paymentdomain.ChargeStatus
	invoices []string
}

func (s *stubPayments) ProcessInvoice(ctx context.Context, req paymentdomain.ProcessInvoiceRequest) (paymentdomain.PaymentOutcome, error) {
	s.invoices = append(s.invoices, req.InvoiceID)
	return paymentdomain.PaymentOutcome{
		Invoice: invoicedomain.Invoice{},
		Status:  s.status,
	}, nil
}

type fixture struct {
	scheduler *Scheduler
	repo      *stubRepo
	svc       *stubService
	payments  *stubPayments
	node      *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node, _ := snowflake.NewNode(1)
	f := &fixture{
		node:     node,
		repo:     &stubRepo{},
		svc:      &stubService{node: node, renewErr: make(map[snowflake.ID]error)},
		payments: &stubPayments{status: paymentdomain.ChargeStatusSuccess},
	}
	f.scheduler = New(Param{
		Log:      zap.NewNop(),
		Cfg:      config.Config{SchedulerInterval: time.Minute},
		Clock:    clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
		Subs:     f.repo,
		Svc:      f.svc,
		Payments: f.payments,
	})
	return f
}

func (f *fixture) sub() domain.Subscription {
	return domain.Subscription{
		ID:     f.node.Generate(),
		AppID:  f.node.Generate(),
		UserID: f.node.Generate(),
	}
}

func TestRunOnceRenewsAndCharges(t *testing.T) {
	f := newFixture(t)
	subs := []domain.Subscription{f.sub(), f.sub(), f.sub()}
	f.repo.due = subs

	renewed, err := f.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if renewed != 3 {
		t.Fatalf("renewed = %d, want 3", renewed)
	}
	if len(f.payments.invoices) != 3 {
		t.Fatalf("charges = %d, want 3", len(f.payments.invoices))
	}
	if len(f.svc.failed) != 0 {
		t.Fatalf("failures recorded: %v", f.svc.failed)
	}
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	subs := []domain.Subscription{f.sub(), f.sub(), f.sub()}
	f.repo.due = subs
	f.svc.renewErr[subs[1].ID] = errors.New("deadlock detected")

	renewed, err := f.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if renewed != 2 {
		t.Fatalf("renewed = %d, want 2", renewed)
	}
	if len(f.svc.failed) != 1 || f.svc.failed[0] != subs[1].ID {
		t.Fatalf("failed = %v, want only %d", f.svc.failed, subs[1].ID)
	}
	// The healthy subscriptions were still charged.
	if len(f.payments.invoices) != 2 {
		t.Fatalf("charges = %d, want 2", len(f.payments.invoices))
	}
}

func TestRunOnceDeclinedChargeCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	sub := f.sub()
	f.repo.due = []domain.Subscription{sub}
	f.payments.status = paymentdomain.ChargeStatusFailed

	renewed, err := f.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	// The renewal itself succeeded; only the charge bounced.
	if renewed != 1 {
		t.Fatalf("renewed = %d, want 1", renewed)
	}
	if len(f.svc.failed) != 1 || f.svc.failed[0] != sub.ID {
		t.Fatalf("failed = %v, want %d", f.svc.failed, sub.ID)
	}
}

func TestRunOnceExpiresLapsed(t *testing.T) {
	f := newFixture(t)
	sub := f.sub()
	f.repo.expirable = []domain.Subscription{sub}

	if _, err := f.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(f.svc.expired) != 1 || f.svc.expired[0] != sub.ID {
		t.Fatalf("expired = %v, want %d", f.svc.expired, sub.ID)
	}

	// Expire runs under the subscription's own identity so the service
	// layer's app scoping holds.
	appID, ok := appcontext.AppIDFromContext(f.svc.expireCtx[0])
	if !ok || appID != sub.AppID {
		t.Fatalf("expire app = %d, want %d", appID, sub.AppID)
	}
}

func TestRunOnceEmptyPass(t *testing.T) {
	f := newFixture(t)

	renewed, err := f.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if renewed != 0 {
		t.Fatalf("renewed = %d, want 0", renewed)
	}
}
