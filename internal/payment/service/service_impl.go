package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/appcontext"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
	"github.com/smallbiznis/meterline/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/meterline/internal/outbox/domain"
	domain "github.com/smallbiznis/meterline/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type paymentService struct {
	db       *gorm.DB
	log      *zap.Logger
	node     *snowflake.Node
	clock    clock.Clock
	billing  *config.BillingConfigHolder
	invoices invoicedomain.Repository
	registry domain.Registry
	outbox   outboxdomain.Enqueuer
	metrics  *metrics.Metrics
}

type Param struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Node     *snowflake.Node
	Clock    clock.Clock
	Billing  *config.BillingConfigHolder
	Invoices invoicedomain.Repository
	Registry domain.Registry
	Outbox   outboxdomain.Enqueuer
	Metrics  *metrics.Metrics `optional:"true"`
}

func NewService(p Param) domain.Service {
	return &paymentService{
		db:       p.DB,
		log:      p.Log.Named("payment.service"),
		node:     p.Node,
		clock:    p.Clock,
		billing:  p.Billing,
		invoices: p.Invoices,
		registry: p.Registry,
		outbox:   p.Outbox,
		metrics:  p.Metrics,
	}
}

func (s *paymentService) ProcessInvoice(ctx context.Context, req domain.ProcessInvoiceRequest) (domain.PaymentOutcome, error) {
	return s.charge(ctx, req.InvoiceID, req.Provider, false, false)
}

func (s *paymentService) RetryInvoice(ctx context.Context, invoiceID string, force bool) (domain.PaymentOutcome, error) {
	return s.charge(ctx, invoiceID, "", true, force)
}

// charge runs one provider attempt. The invoice is parked in PROCESSING
// before the provider is called; the attempt row is written only after the
// provider has answered. force skips the payment-state gates.
func (s *paymentService) charge(ctx context.Context, invoiceID, providerKey string, retry, force bool) (domain.PaymentOutcome, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.PaymentOutcome{}, domain.ErrInvalidApp
	}

	invID, err := snowflake.ParseString(invoiceID)
	if err != nil || invID == 0 {
		return domain.PaymentOutcome{}, domain.ErrInvalidInvoice
	}

	if providerKey == "" {
		providerKey = s.billing.Get().DefaultPaymentProvider
	}
	provider, err := s.registry.Resolve(providerKey)
	if err != nil {
		return domain.PaymentOutcome{}, err
	}
	if checker, ok := provider.(domain.CredentialChecker); ok {
		// A misconfigured provider is fatal; retrying cannot help.
		if cerr := checker.CheckCredentials(); cerr != nil {
			return domain.PaymentOutcome{}, fmt.Errorf("%w: %v", domain.ErrMissingCredentials, cerr)
		}
	}

	var inv *invoicedomain.Invoice
	var prior invoicedomain.PaymentStatus
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.invoices.FindByIDForUpdate(ctx, tx, appID, invID)
		if err != nil {
			return err
		}
		if found == nil {
			return invoicedomain.ErrInvoiceNotFound
		}

		if total, perr := decimal.NewFromString(found.Total); perr != nil || !total.IsPositive() {
			return domain.ErrInvalidAmount
		}

		if !force {
			switch found.PaymentStatus {
			case invoicedomain.PaymentStatusPaid:
				return domain.ErrInvoicePaid
			case invoicedomain.PaymentStatusCancelled:
				return domain.ErrInvoiceCancelled
			case invoicedomain.PaymentStatusProcessing:
				return domain.ErrNotRetryable
			case invoicedomain.PaymentStatusPending:
				if retry && !found.RequiresAction {
					return domain.ErrNotRetryable
				}
			case invoicedomain.PaymentStatusFailed, invoicedomain.PaymentStatusRequiresAction:
			}
		}

		prior = found.PaymentStatus
		found.PaymentStatus = invoicedomain.PaymentStatusProcessing
		found.AttemptCount++
		if err := s.invoices.UpdateInvoice(ctx, tx, found); err != nil {
			return err
		}

		inv = found
		return nil
	})
	if err != nil {
		return domain.PaymentOutcome{}, err
	}

	result, chargeErr := provider.Charge(ctx, domain.ChargeRequest{
		InvoiceID:   inv.ID.String(),
		Amount:      inv.Total,
		Currency:    inv.Currency,
		CustomerRef: inv.UserID.String(),
	})
	if chargeErr != nil {
		if errors.Is(chargeErr, context.Canceled) || errors.Is(chargeErr, context.DeadlineExceeded) {
			// The caller walked away mid-charge. No attempt row is
			// written; the invoice stays PROCESSING until an operator
			// force-retries or cancels it.
			return domain.PaymentOutcome{}, chargeErr
		}
		// Transport failures count as a failed attempt; the gateway may
		// or may not have seen the charge, retries go through the same
		// idempotent path.
		result = domain.ChargeResult{
			Status:  domain.ChargeStatusFailed,
			Message: chargeErr.Error(),
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.recordOutcome(ctx, tx, inv, provider.Key(), result, prior)
	})
	if err != nil {
		return domain.PaymentOutcome{}, err
	}

	s.metrics.RecordPaymentAttempt(ctx, provider.Key(), string(result.Status))
	s.log.Info("charge attempted",
		zap.Int64("invoice_id", inv.ID.Int64()),
		zap.String("provider", provider.Key()),
		zap.String("status", string(result.Status)),
	)

	return domain.PaymentOutcome{
		Invoice:     *inv,
		Status:      result.Status,
		ProviderRef: result.ProviderRef,
		RedirectURL: result.RedirectURL,
	}, nil
}

func (s *paymentService) recordOutcome(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice, providerKey string, result domain.ChargeResult, prior invoicedomain.PaymentStatus) error {
	status := invoiceStatusFor(result.Status)

	if err := s.invoices.InsertAttempt(ctx, tx, &invoicedomain.InvoicePaymentAttempt{
		ID:           s.node.Generate(),
		AppID:        inv.AppID,
		InvoiceID:    inv.ID,
		Provider:     providerKey,
		Status:       status,
		ProviderRef:  result.ProviderRef,
		ErrorMessage: result.Message,
	}); err != nil {
		return err
	}

	inv.PaymentStatus = status
	inv.RequiresAction = false
	inv.LastError = ""
	switch status {
	case invoicedomain.PaymentStatusPaid:
		now := s.clock.Now()
		inv.PaidAt = &now
	case invoicedomain.PaymentStatusFailed:
		inv.LastError = result.Message
	case invoicedomain.PaymentStatusRequiresAction:
		// The charge waits on the customer. The invoice itself has not
		// changed payment state, it is just flagged.
		inv.PaymentStatus = prior
		inv.RequiresAction = true
	}
	if err := s.invoices.UpdateInvoice(ctx, tx, inv); err != nil {
		return err
	}

	switch status {
	case invoicedomain.PaymentStatusPaid:
		return s.outbox.Enqueue(ctx, tx, outboxdomain.EnqueueRequest{
			Topic:         outboxdomain.TopicInvoicePaid,
			AggregateType: "invoice",
			AggregateID:   inv.ID.String(),
			DedupeKey:     fmt.Sprintf("invoice.paid:%d", inv.ID),
			Payload: map[string]any{
				"invoice_id": inv.ID.String(),
				"total":      inv.Total,
				"currency":   inv.Currency,
				"provider":   providerKey,
			},
		})
	case invoicedomain.PaymentStatusFailed:
		return s.outbox.Enqueue(ctx, tx, outboxdomain.EnqueueRequest{
			Topic:         outboxdomain.TopicInvoicePaymentFailed,
			AggregateType: "invoice",
			AggregateID:   inv.ID.String(),
			DedupeKey:     fmt.Sprintf("invoice.payment_failed:%d:%d", inv.ID, inv.AttemptCount),
			Payload: map[string]any{
				"invoice_id": inv.ID.String(),
				"provider":   providerKey,
				"error":      result.Message,
			},
		})
	}
	return nil
}

func (s *paymentService) CancelInvoice(ctx context.Context, invoiceID string) (invoicedomain.Invoice, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return invoicedomain.Invoice{}, domain.ErrInvalidApp
	}

	invID, err := snowflake.ParseString(invoiceID)
	if err != nil || invID == 0 {
		return invoicedomain.Invoice{}, domain.ErrInvalidInvoice
	}

	var out invoicedomain.Invoice
	var propagate *invoicedomain.InvoicePaymentAttempt
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.invoices.FindByIDForUpdate(ctx, tx, appID, invID)
		if err != nil {
			return err
		}
		if inv == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if inv.PaymentStatus == invoicedomain.PaymentStatusPaid {
			return domain.ErrInvoicePaid
		}
		if inv.PaymentStatus == invoicedomain.PaymentStatusCancelled {
			out = *inv
			return nil
		}

		attempts, err := s.invoices.FindAttempts(ctx, tx, appID, invID)
		if err != nil {
			return err
		}
		for i := len(attempts) - 1; i >= 0; i-- {
			if attempts[i].ProviderRef != "" {
				propagate = &attempts[i]
				break
			}
		}

		inv.PaymentStatus = invoicedomain.PaymentStatusCancelled
		inv.RequiresAction = false
		if err := s.invoices.UpdateInvoice(ctx, tx, inv); err != nil {
			return err
		}

		out = *inv
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	// Cancellation is pushed to the gateway best effort, outside the
	// transaction. The local state is already final.
	if propagate != nil {
		if provider, rerr := s.registry.Resolve(propagate.Provider); rerr == nil {
			if cerr := provider.Cancel(ctx, propagate.ProviderRef); cerr != nil {
				s.log.Warn("cancel propagation failed",
					zap.Int64("invoice_id", invID.Int64()),
					zap.String("provider", propagate.Provider),
					zap.Error(cerr),
				)
			}
		}
	}

	s.log.Info("invoice cancelled", zap.Int64("invoice_id", invID.Int64()))
	return out, nil
}

func (s *paymentService) GetAttempts(ctx context.Context, invoiceID string) ([]invoicedomain.InvoicePaymentAttempt, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidApp
	}

	invID, err := snowflake.ParseString(invoiceID)
	if err != nil || invID == 0 {
		return nil, domain.ErrInvalidInvoice
	}
	return s.invoices.FindAttempts(ctx, s.db, appID, invID)
}

func invoiceStatusFor(status domain.ChargeStatus) invoicedomain.PaymentStatus {
	switch status {
	case domain.ChargeStatusSuccess:
		return invoicedomain.PaymentStatusPaid
	case domain.ChargeStatusRequiresAction:
		return invoicedomain.PaymentStatusRequiresAction
	case domain.ChargeStatusProcessing:
		return invoicedomain.PaymentStatusProcessing
	case domain.ChargeStatusCanceled:
		return invoicedomain.PaymentStatusCancelled
	default:
		return invoicedomain.PaymentStatusFailed
	}
}
