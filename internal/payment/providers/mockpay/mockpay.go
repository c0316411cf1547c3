// Package mockpay is the deterministic in-process gateway used in
// development and tests. No network, no credentials.
package mockpay

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	domain "github.com/smallbiznis/meterline/internal/payment/domain"
)

// actionThreshold is the amount at and above which a charge is answered
// with REQUIRES_ACTION, mimicking a 3DS challenge on large payments.
var actionThreshold = decimal.NewFromInt(10000)

type Adapter struct {
	mu        sync.Mutex
	sequence  int
	cancelled map[string]bool
}

func NewAdapter() *Adapter {
	return &Adapter{cancelled: make(map[string]bool)}
}

func (a *Adapter) Key() string { return "mockpay" }

func (a *Adapter) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return domain.ChargeResult{}, fmt.Errorf("invalid amount %q: %w", req.Amount, err)
	}

	a.mu.Lock()
	a.sequence++
	ref := fmt.Sprintf("mockpay_%06d", a.sequence)
	a.mu.Unlock()

	if req.Metadata["outcome"] == "fail" {
		return domain.ChargeResult{
			Status:      domain.ChargeStatusFailed,
			ProviderRef: ref,
			Message:     "card_declined",
		}, nil
	}

	if amount.GreaterThanOrEqual(actionThreshold) {
		return domain.ChargeResult{
			Status:      domain.ChargeStatusRequiresAction,
			ProviderRef: ref,
			RedirectURL: fmt.Sprintf("https://mockpay.test/3ds/%s", ref),
		}, nil
	}

	return domain.ChargeResult{
		Status:      domain.ChargeStatusSuccess,
		ProviderRef: ref,
	}, nil
}

func (a *Adapter) Cancel(ctx context.Context, providerRef string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled[providerRef] = true
	return nil
}

// Cancelled reports whether a cancel was propagated for the ref. Test hook.
func (a *Adapter) Cancelled(providerRef string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled[providerRef]
}
