// Package stripe charges invoices through the Stripe PaymentIntents API.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	domain "github.com/smallbiznis/meterline/internal/payment/domain"
)

const defaultBaseURL = "https://api.stripe.com"

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewAdapter(apiKey, baseURL string) *Adapter {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *Adapter) Key() string { return "stripe" }

// CheckCredentials rejects an adapter wired without an API key before any
// charge reaches the gateway.
func (a *Adapter) CheckCredentials() error {
	if strings.TrimSpace(a.apiKey) == "" {
		return errors.New("stripe api key not configured")
	}
	return nil
}

func (a *Adapter) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return domain.ChargeResult{}, fmt.Errorf("invalid amount %q: %w", req.Amount, err)
	}
	minorUnits := amount.Mul(decimal.NewFromInt(100)).IntPart()

	form := url.Values{}
	form.Set("amount", fmt.Sprintf("%d", minorUnits))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("confirm", "true")
	form.Set("metadata[invoice_id]", req.InvoiceID)
	if req.CustomerRef != "" {
		form.Set("customer", req.CustomerRef)
	}
	for key, value := range req.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", key), value)
	}

	var intent paymentIntent
	if err := a.do(ctx, http.MethodPost, "/v1/payment_intents", form, &intent); err != nil {
		return domain.ChargeResult{}, err
	}

	result := domain.ChargeResult{
		Status:      normalizeIntentStatus(intent.Status),
		ProviderRef: intent.ID,
		Message:     intent.LastPaymentError.Message,
	}
	if intent.NextAction.RedirectToURL.URL != "" {
		result.RedirectURL = intent.NextAction.RedirectToURL.URL
	}
	return result, nil
}

func (a *Adapter) Cancel(ctx context.Context, providerRef string) error {
	if strings.TrimSpace(providerRef) == "" {
		return nil
	}
	var intent paymentIntent
	return a.do(ctx, http.MethodPost, fmt.Sprintf("/v1/payment_intents/%s/cancel", providerRef), url.Values{}, &intent)
}

func (a *Adapter) do(ctx context.Context, method, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr stripeError
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("stripe: %s (%s)", apiErr.Error.Message, apiErr.Error.Code)
		}
		return fmt.Errorf("stripe: unexpected status %d", resp.StatusCode)
	}

	return json.Unmarshal(body, out)
}

func normalizeIntentStatus(status string) domain.ChargeStatus {
	switch strings.TrimSpace(status) {
	case "succeeded":
		return domain.ChargeStatusSuccess
	case "requires_action", "requires_source_action", "requires_confirmation":
		return domain.ChargeStatusRequiresAction
	case "processing":
		return domain.ChargeStatusProcessing
	case "canceled":
		return domain.ChargeStatusCanceled
	default:
		return domain.ChargeStatusFailed
	}
}

type paymentIntent struct {
	ID     string `json:"id"`
	Status string `json:"status"`

	NextAction struct {
		RedirectToURL struct {
			URL string `json:"url"`
		} `json:"redirect_to_url"`
	} `json:"next_action"`

	LastPaymentError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type stripeError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
