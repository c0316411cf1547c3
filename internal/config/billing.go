package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig is the operator-tunable billing policy. It is loaded from a
// billing.yml file next to the binary (or a mounted config path) and hot
// reloaded on change.
type BillingConfig struct {
	// TaxRate is the fixed-rate multiplier applied to invoice subtotals,
	// expressed as a decimal string ("0.18" = 18%).
	TaxRate string `mapstructure:"taxRate"`
	// MaxRenewalAttempts is how many consecutive failed renewals are
	// tolerated before a subscription is parked in PAST_DUE.
	MaxRenewalAttempts int `mapstructure:"maxRenewalAttempts"`
	// DefaultPaymentProvider is the registry key used when neither the
	// request nor the invoice names a provider.
	DefaultPaymentProvider string `mapstructure:"defaultPaymentProvider"`
	// OutboxBatchSize bounds how many pending messages a relay poll claims.
	OutboxBatchSize int `mapstructure:"outboxBatchSize"`
	// WebhookMaxRetries caps automatic redelivery of failed webhook sends.
	WebhookMaxRetries int `mapstructure:"webhookMaxRetries"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		TaxRate:                "0.00",
		MaxRenewalAttempts:     3,
		DefaultPaymentProvider: "mockpay",
		OutboxBatchSize:        50,
		WebhookMaxRetries:      5,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/meterline/config")
	v.AddConfigPath("/etc/meterline")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.taxRate", defaults.TaxRate)
	v.SetDefault("billing.maxRenewalAttempts", defaults.MaxRenewalAttempts)
	v.SetDefault("billing.defaultPaymentProvider", defaults.DefaultPaymentProvider)
	v.SetDefault("billing.outboxBatchSize", defaults.OutboxBatchSize)
	v.SetDefault("billing.webhookMaxRetries", defaults.WebhookMaxRetries)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder returns a holder pinned to the given config.
// Used by tests and by callers that do not want file watching.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if strings.TrimSpace(cfg.TaxRate) == "" {
		return errors.New("billing.taxRate cannot be empty")
	}
	if cfg.MaxRenewalAttempts <= 0 {
		return errors.New("billing.maxRenewalAttempts must be positive")
	}
	if strings.TrimSpace(cfg.DefaultPaymentProvider) == "" {
		return errors.New("billing.defaultPaymentProvider cannot be empty")
	}
	return nil
}
