package usage

import (
	"github.com/smallbiznis/meterline/internal/usage/repository"
	"github.com/smallbiznis/meterline/internal/usage/service"
	"go.uber.org/fx"
)

// Module wires the quota ledger.
var Module = fx.Module("usage.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
