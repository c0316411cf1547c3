// Package iyzico charges invoices through the iyzico payment API.
package iyzico

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/smallbiznis/meterline/internal/payment/domain"
)

const defaultBaseURL = "https://api.iyzipay.com"

type Adapter struct {
	apiKey    string
	secretKey string
	baseURL   string
	client    *http.Client
}

func NewAdapter(apiKey, secretKey, baseURL string) *Adapter {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		apiKey:    apiKey,
		secretKey: secretKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *Adapter) Key() string { return "iyzico" }

// CheckCredentials rejects an adapter wired without its key pair before any
// charge reaches the gateway.
func (a *Adapter) CheckCredentials() error {
	if strings.TrimSpace(a.apiKey) == "" || strings.TrimSpace(a.secretKey) == "" {
		return errors.New("iyzico api credentials not configured")
	}
	return nil
}

func (a *Adapter) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	payload := map[string]any{
		"conversationId": req.InvoiceID,
		"price":          req.Amount,
		"paidPrice":      req.Amount,
		"currency":       strings.ToUpper(req.Currency),
		"paymentGroup":   "SUBSCRIPTION",
	}
	if req.CustomerRef != "" {
		payload["paymentUserKey"] = req.CustomerRef
	}

	var resp paymentResponse
	if err := a.do(ctx, "/payment/auth", payload, &resp); err != nil {
		return domain.ChargeResult{}, err
	}

	result := domain.ChargeResult{
		ProviderRef: resp.PaymentID,
		Message:     resp.ErrorMessage,
	}
	switch strings.ToLower(strings.TrimSpace(resp.Status)) {
	case "success":
		result.Status = domain.ChargeStatusSuccess
	case "callback_required":
		result.Status = domain.ChargeStatusRequiresAction
		result.RedirectURL = resp.CallbackURL
	case "pending":
		result.Status = domain.ChargeStatusProcessing
	default:
		result.Status = domain.ChargeStatusFailed
	}
	return result, nil
}

func (a *Adapter) Cancel(ctx context.Context, providerRef string) error {
	if strings.TrimSpace(providerRef) == "" {
		return nil
	}
	var resp paymentResponse
	if err := a.do(ctx, "/payment/cancel", map[string]any{"paymentId": providerRef}, &resp); err != nil {
		return err
	}
	if !strings.EqualFold(resp.Status, "success") {
		return fmt.Errorf("iyzico: cancel failed: %s", resp.ErrorMessage)
	}
	return nil
}

func (a *Adapter) do(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", a.authHeader(path, body))

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("iyzico: unexpected status %d", resp.StatusCode)
	}

	return json.Unmarshal(raw, out)
}

// authHeader builds the HMACSHA256 authorization scheme iyzico expects.
func (a *Adapter) authHeader(path string, body []byte) string {
	randomKey := fmt.Sprintf("%d", time.Now().UnixNano())
	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(randomKey + path + string(body)))
	signature := fmt.Sprintf("%x", mac.Sum(nil))

	auth := fmt.Sprintf("apiKey:%s&randomKey:%s&signature:%s", a.apiKey, randomKey, signature)
	return "IYZWSv2 " + base64.StdEncoding.EncodeToString([]byte(auth))
}

type paymentResponse struct {
	Status       string `json:"status"`
	PaymentID    string `json:"paymentId"`
	CallbackURL  string `json:"callbackUrl"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}
