package payment

import (
	"github.com/smallbiznis/meterline/internal/config"
	domain "github.com/smallbiznis/meterline/internal/payment/domain"
	"github.com/smallbiznis/meterline/internal/payment/providers"
	"github.com/smallbiznis/meterline/internal/payment/providers/iyzico"
	"github.com/smallbiznis/meterline/internal/payment/providers/mockpay"
	"github.com/smallbiznis/meterline/internal/payment/providers/stripe"
	"github.com/smallbiznis/meterline/internal/payment/service"
	"go.uber.org/fx"
)

// Module wires the payment workflow and the gateway adapters.
var Module = fx.Module("payment.service",
	fx.Provide(
		fx.Annotate(newStripe, fx.As(new(domain.Provider)), fx.ResultTags(`group:"payment.providers"`)),
		fx.Annotate(newIyzico, fx.As(new(domain.Provider)), fx.ResultTags(`group:"payment.providers"`)),
		fx.Annotate(newMockpay, fx.As(new(domain.Provider)), fx.ResultTags(`group:"payment.providers"`)),
	),
	fx.Provide(providers.NewRegistry),
	fx.Provide(service.NewService),
)

func newStripe(cfg config.Config) *stripe.Adapter {
	return stripe.NewAdapter(cfg.StripeAPIKey, cfg.StripeBaseURL)
}

func newIyzico(cfg config.Config) *iyzico.Adapter {
	return iyzico.NewAdapter(cfg.IyzicoAPIKey, cfg.IyzicoSecretKey, cfg.IyzicoBaseURL)
}

func newMockpay(cfg config.Config) *mockpay.Adapter {
	return mockpay.NewAdapter()
}
