// Package observability wires metrics export.
package observability

import (
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		provideMetricsConfig,
		metrics.NewProvider,
		metrics.New,
	),
)

func provideMetricsConfig(cfg config.Config) metrics.Config {
	endpoint := cfg.MetricsEndpoint
	if endpoint == "" {
		endpoint = cfg.OTLPEndpoint
	}
	return metrics.Config{
		Enabled:          cfg.MetricsEnabled,
		ExporterEndpoint: endpoint,
		ExporterProtocol: cfg.MetricsExporter,
		ServiceName:      cfg.AppName,
		Environment:      cfg.Environment,
	}
}
