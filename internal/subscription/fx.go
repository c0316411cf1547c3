package subscription

import (
	"github.com/smallbiznis/meterline/internal/subscription/repository"
	"github.com/smallbiznis/meterline/internal/subscription/service"
	"go.uber.org/fx"
)

// Module wires the subscription engine.
var Module = fx.Module("subscription.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
