package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/appcontext"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	domain "github.com/smallbiznis/meterline/internal/invoice/domain"
	outboxdomain "github.com/smallbiznis/meterline/internal/outbox/domain"
	"github.com/smallbiznis/meterline/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type invoiceService struct {
	db      *gorm.DB
	log     *zap.Logger
	node    *snowflake.Node
	clock   clock.Clock
	billing *config.BillingConfigHolder
	repo    domain.Repository
	outbox  outboxdomain.Enqueuer
}

type Param struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Node    *snowflake.Node
	Clock   clock.Clock
	Billing *config.BillingConfigHolder
	Repo    domain.Repository
	Outbox  outboxdomain.Enqueuer
}

func NewService(p Param) domain.Service {
	return &invoiceService{
		db:      p.DB,
		log:     p.Log.Named("invoice.service"),
		node:    p.Node,
		clock:   p.Clock,
		billing: p.Billing,
		repo:    p.Repo,
		outbox:  p.Outbox,
	}
}

func (s *invoiceService) GenerateForRenewal(ctx context.Context, tx *gorm.DB, req domain.GenerateRequest) (*domain.Invoice, bool, error) {
	if req.AppID == 0 || req.SubscriptionID == 0 {
		return nil, false, domain.ErrInvalidInvoice
	}

	existing, err := s.repo.FindByPeriod(ctx, tx, req.SubscriptionID, req.PeriodStart)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	base, err := decimal.NewFromString(req.BaseAmount)
	if err != nil {
		return nil, false, domain.ErrInvalidAmount
	}

	inv := &domain.Invoice{
		ID:             s.node.Generate(),
		AppID:          req.AppID,
		UserID:         req.UserID,
		SubscriptionID: req.SubscriptionID,
		PeriodStart:    req.PeriodStart,
		PeriodEnd:      req.PeriodEnd,
		Currency:       req.Currency,
		PaymentStatus:  domain.PaymentStatusPending,
		IssuedAt:       s.clock.Now(),
	}

	lines := []domain.InvoiceLine{{
		ID:          s.node.Generate(),
		AppID:       req.AppID,
		InvoiceID:   inv.ID,
		LineType:    domain.LineTypeBase,
		Description: req.BaseDescription,
		Quantity:    1,
		UnitPrice:   base.StringFixed(2),
		Amount:      base.StringFixed(2),
	}}

	subtotal := base
	for _, over := range req.Overages {
		unit, err := decimal.NewFromString(over.UnitPrice)
		if err != nil {
			return nil, false, domain.ErrInvalidAmount
		}
		amount := unit.Mul(decimal.NewFromInt(over.Units))
		subtotal = subtotal.Add(amount)
		lines = append(lines, domain.InvoiceLine{
			ID:          s.node.Generate(),
			AppID:       req.AppID,
			InvoiceID:   inv.ID,
			LineType:    domain.LineTypeOverage,
			FeatureKey:  over.FeatureKey,
			Description: fmt.Sprintf("Overage: %s x%d", over.FeatureKey, over.Units),
			Quantity:    over.Units,
			UnitPrice:   unit.String(),
			Amount:      amount.StringFixed(2),
		})
	}

	taxRate, err := decimal.NewFromString(s.billing.Get().TaxRate)
	if err != nil {
		return nil, false, domain.ErrInvalidAmount
	}
	tax := subtotal.Mul(taxRate).Round(2)

	inv.Subtotal = subtotal.StringFixed(2)
	inv.TaxRate = taxRate.String()
	inv.Tax = tax.StringFixed(2)
	inv.Total = subtotal.Add(tax).StringFixed(2)

	if err := s.repo.Insert(ctx, tx, inv); err != nil {
		// A concurrent renewal won the unique (subscription, period)
		// race; converge on its invoice.
		if db.IsDuplicateKeyErr(err) {
			winner, ferr := s.repo.FindByPeriod(ctx, tx, req.SubscriptionID, req.PeriodStart)
			if ferr != nil {
				return nil, false, ferr
			}
			if winner != nil {
				return winner, false, nil
			}
		}
		return nil, false, err
	}
	if err := s.repo.InsertLines(ctx, tx, lines); err != nil {
		return nil, false, err
	}

	if err := s.outbox.Enqueue(ctx, tx, outboxdomain.EnqueueRequest{
		Topic:         outboxdomain.TopicInvoiceCreated,
		AggregateType: "invoice",
		AggregateID:   inv.ID.String(),
		DedupeKey:     fmt.Sprintf("invoice.created:%d", inv.ID),
		Payload: map[string]any{
			"invoice_id":      inv.ID.String(),
			"subscription_id": inv.SubscriptionID.String(),
			"total":           inv.Total,
			"currency":        inv.Currency,
		},
	}); err != nil {
		return nil, false, err
	}

	s.log.Info("invoice generated",
		zap.Int64("invoice_id", inv.ID.Int64()),
		zap.Int64("subscription_id", inv.SubscriptionID.Int64()),
		zap.String("total", inv.Total),
	)
	return inv, true, nil
}

func (s *invoiceService) RecalculateTotals(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.Invoice{}, domain.ErrInvalidApp
	}

	invID, err := snowflake.ParseString(invoiceID)
	if err != nil || invID == 0 {
		return domain.Invoice{}, domain.ErrInvalidInvoice
	}

	var out domain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := s.repo.FindByIDForUpdate(ctx, tx, appID, invID)
		if err != nil {
			return err
		}
		if inv == nil {
			return domain.ErrInvoiceNotFound
		}

		lines, err := s.repo.FindLines(ctx, tx, appID, invID)
		if err != nil {
			return err
		}

		subtotal := decimal.Zero
		for _, line := range lines {
			amount, err := decimal.NewFromString(line.Amount)
			if err != nil {
				return domain.ErrInvalidAmount
			}
			subtotal = subtotal.Add(amount)
		}

		taxRate, err := decimal.NewFromString(inv.TaxRate)
		if err != nil {
			return domain.ErrInvalidAmount
		}
		tax := subtotal.Mul(taxRate).Round(2)

		inv.Subtotal = subtotal.StringFixed(2)
		inv.Tax = tax.StringFixed(2)
		inv.Total = subtotal.Add(tax).StringFixed(2)
		if err := s.repo.UpdateInvoice(ctx, tx, inv); err != nil {
			return err
		}

		out = *inv
		return nil
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	return out, nil
}

func (s *invoiceService) GetInvoice(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return domain.Invoice{}, domain.ErrInvalidApp
	}

	invID, err := snowflake.ParseString(invoiceID)
	if err != nil || invID == 0 {
		return domain.Invoice{}, domain.ErrInvalidInvoice
	}

	inv, err := s.repo.FindByID(ctx, s.db, appID, invID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if inv == nil {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	return *inv, nil
}

func (s *invoiceService) ListLines(ctx context.Context, invoiceID string) ([]domain.InvoiceLine, error) {
	appID, ok := appcontext.AppIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidApp
	}

	invID, err := snowflake.ParseString(invoiceID)
	if err != nil || invID == 0 {
		return nil, domain.ErrInvalidInvoice
	}
	return s.repo.FindLines(ctx, s.db, appID, invID)
}
