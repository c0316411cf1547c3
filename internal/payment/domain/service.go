// Package domain defines the payment workflow and the provider contract.
// Every provider's vocabulary is normalized to the five ChargeStatus values;
// nothing downstream ever sees a provider-specific state.
package domain

import (
	"context"
	"errors"

	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
)

// ChargeStatus is the normalized provider outcome.
type ChargeStatus string

const (
	ChargeStatusSuccess        ChargeStatus = "SUCCESS"
	ChargeStatusRequiresAction ChargeStatus = "REQUIRES_ACTION"
	ChargeStatusProcessing     ChargeStatus = "PROCESSING"
	ChargeStatusFailed         ChargeStatus = "FAILED"
	ChargeStatusCanceled       ChargeStatus = "CANCELED"
)

type ChargeRequest struct {
	InvoiceID   string
	Amount      string
	Currency    string
	CustomerRef string
	Metadata    map[string]string
}

type ChargeResult struct {
	Status      ChargeStatus
	ProviderRef string
	// RedirectURL is set when the customer must complete an extra step,
	// 3DS or similar.
	RedirectURL string
	Message     string
}

// Provider is one payment gateway adapter. Implementations self-register
// with the registry under their Key.
type Provider interface {
	Key() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	// Cancel voids a previously created charge. Cancellation is the only
	// state we push back to the gateway.
	Cancel(ctx context.Context, providerRef string) error
}

// CredentialChecker is implemented by providers that need configured
// credentials before they can talk to their gateway. A failing check is a
// configuration error and is never retried.
type CredentialChecker interface {
	CheckCredentials() error
}

// Registry resolves providers by key.
type Registry interface {
	Resolve(key string) (Provider, error)
	Keys() []string
}

type ProcessInvoiceRequest struct {
	InvoiceID string `json:"invoice_id"`
	// Provider overrides the configured default when set.
	Provider string `json:"provider,omitempty"`
}

type PaymentOutcome struct {
	Invoice     invoicedomain.Invoice
	Status      ChargeStatus
	ProviderRef string
	RedirectURL string
}

type Service interface {
	ProcessInvoice(context.Context, ProcessInvoiceRequest) (PaymentOutcome, error)
	// RetryInvoice re-runs a failed or action-pending charge. With force
	// set the state gates are skipped, an operator escape hatch for
	// invoices stuck in PROCESSING or parked on a pending action.
	RetryInvoice(ctx context.Context, invoiceID string, force bool) (PaymentOutcome, error)
	CancelInvoice(ctx context.Context, invoiceID string) (invoicedomain.Invoice, error)
	GetAttempts(ctx context.Context, invoiceID string) ([]invoicedomain.InvoicePaymentAttempt, error)
}

var (
	ErrInvalidApp         = errors.New("invalid_app")
	ErrInvalidInvoice     = errors.New("invalid_invoice")
	ErrInvalidAmount      = errors.New("invalid_charge_amount")
	ErrUnknownProvider    = errors.New("unknown_payment_provider")
	ErrMissingCredentials = errors.New("provider_credentials_missing")
	ErrInvoicePaid        = errors.New("invoice_already_paid")
	ErrInvoiceCancelled   = errors.New("invoice_cancelled")
	ErrNotRetryable       = errors.New("invoice_not_retryable")
)
