package webhook

import (
	"github.com/smallbiznis/meterline/internal/webhook/repository"
	"github.com/smallbiznis/meterline/internal/webhook/service"
	"go.uber.org/fx"
)

// Module wires webhook endpoints and the outbound dispatcher.
var Module = fx.Module("webhook.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
