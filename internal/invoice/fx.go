package invoice

import (
	"github.com/smallbiznis/meterline/internal/invoice/repository"
	"github.com/smallbiznis/meterline/internal/invoice/service"
	"go.uber.org/fx"
)

// Module wires invoice generation and queries.
var Module = fx.Module("invoice.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
