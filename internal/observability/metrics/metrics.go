// Package metrics exposes the application's OpenTelemetry instruments.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	usageTracked      metric.Int64Counter
	quotaDenied       metric.Int64Counter
	renewals          metric.Int64Counter
	paymentAttempts   metric.Int64Counter
	webhookDeliveries metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "meterline"
	}
	meter := provider.Meter(name)

	usageTracked, err := meter.Int64Counter("meterline_usage_tracked_total")
	if err != nil {
		return nil, err
	}
	quotaDenied, err := meter.Int64Counter("meterline_quota_denied_total")
	if err != nil {
		return nil, err
	}
	renewals, err := meter.Int64Counter("meterline_renewals_total")
	if err != nil {
		return nil, err
	}
	paymentAttempts, err := meter.Int64Counter("meterline_payment_attempts_total")
	if err != nil {
		return nil, err
	}
	webhookDeliveries, err := meter.Int64Counter("meterline_webhook_deliveries_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageTracked:      usageTracked,
		quotaDenied:       quotaDenied,
		renewals:          renewals,
		paymentAttempts:   paymentAttempts,
		webhookDeliveries: webhookDeliveries,
	}, nil
}

// RecordUsageTracked increments accepted usage counts.
func (m *Metrics) RecordUsageTracked(ctx context.Context, featureKey string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature_key", strings.TrimSpace(featureKey)))
	m.usageTracked.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQuotaDenied increments quota denial counts.
func (m *Metrics) RecordQuotaDenied(ctx context.Context, featureKey string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature_key", strings.TrimSpace(featureKey)))
	m.quotaDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRenewal increments renewal counts by outcome.
func (m *Metrics) RecordRenewal(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.renewals.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentAttempt increments provider attempt counts.
func (m *Metrics) RecordPaymentAttempt(ctx context.Context, provider, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.paymentAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookDelivery increments delivery counts by result.
func (m *Metrics) RecordWebhookDelivery(ctx context.Context, topic string, success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	attrs := FilterAttributes(
		attribute.String("topic", strings.TrimSpace(topic)),
		attribute.String("outcome", outcome),
	)
	m.webhookDeliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"feature_key": {},
	"outcome":     {},
	"provider":    {},
	"status":      {},
	"topic":       {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
