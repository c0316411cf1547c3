// Package providers holds the payment gateway adapters and their registry.
package providers

import (
	"fmt"
	"sort"
	"strings"

	domain "github.com/smallbiznis/meterline/internal/payment/domain"
	"go.uber.org/fx"
)

type registry struct {
	providers map[string]domain.Provider
}

type RegistryParam struct {
	fx.In

	Providers []domain.Provider `group:"payment.providers"`
}

func NewRegistry(p RegistryParam) (domain.Registry, error) {
	r := &registry{providers: make(map[string]domain.Provider, len(p.Providers))}
	for _, provider := range p.Providers {
		key := strings.ToLower(provider.Key())
		if _, exists := r.providers[key]; exists {
			return nil, fmt.Errorf("duplicate payment provider key %q", key)
		}
		r.providers[key] = provider
	}
	return r, nil
}

func (r *registry) Resolve(key string) (domain.Provider, error) {
	provider, ok := r.providers[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	return provider, nil
}

func (r *registry) Keys() []string {
	keys := make([]string, 0, len(r.providers))
	for key := range r.providers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
