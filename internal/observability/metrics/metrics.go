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
	accessDecisions metric.Int64Counter
	reconciliations metric.Int64Counter
	gatewayRequests metric.Int64Counter
	rateLimitDenied metric.Int64Counter
	notifyFailures  metric.Int64Counter
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
		name = "examly"
	}
	meter := provider.Meter(name)

	accessDecisions, err := meter.Int64Counter("examly_access_decisions_total")
	if err != nil {
		return nil, err
	}
	reconciliations, err := meter.Int64Counter("examly_reconciliations_total")
	if err != nil {
		return nil, err
	}
	gatewayRequests, err := meter.Int64Counter("examly_gateway_requests_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("examly_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}
	notifyFailures, err := meter.Int64Counter("examly_notify_failures_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		accessDecisions: accessDecisions,
		reconciliations: reconciliations,
		gatewayRequests: gatewayRequests,
		rateLimitDenied: rateLimitDenied,
		notifyFailures:  notifyFailures,
	}, nil
}

// RecordAccessDecision counts evaluated access decisions.
func (m *Metrics) RecordAccessDecision(ctx context.Context, decision, kind, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("decision", strings.TrimSpace(decision)),
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.accessDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconciliation counts webhook and poll reconciliation outcomes.
func (m *Metrics) RecordReconciliation(ctx context.Context, source, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.reconciliations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGatewayRequest counts outbound gateway calls by endpoint and outcome.
func (m *Metrics) RecordGatewayRequest(ctx context.Context, endpoint, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.gatewayRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordNotifyFailure counts operator notifications that could not be delivered.
func (m *Metrics) RecordNotifyFailure(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("channel", strings.TrimSpace(channel)))
	m.notifyFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"endpoint":     {},
	"route":        {},
	"status_class": {},
	"identity":     {},
	"decision":     {},
	"kind":         {},
	"reason":       {},
	"source":       {},
	"outcome":      {},
	"channel":      {},
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
