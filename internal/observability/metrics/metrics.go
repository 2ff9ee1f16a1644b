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
	alertTransitions  metric.Int64Counter
	transitionDenied  metric.Int64Counter
	changeDispatched  metric.Int64Counter
	reactionsApplied  metric.Int64Counter
	reactionsSkipped  metric.Int64Counter
	notificationsSent metric.Int64Counter
	rateLimitAllowed  metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
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
		name = "geowarn"
	}
	meter := provider.Meter(name)

	alertTransitions, err := meter.Int64Counter("geowarn_alert_transitions_total")
	if err != nil {
		return nil, err
	}
	transitionDenied, err := meter.Int64Counter("geowarn_alert_transitions_denied_total")
	if err != nil {
		return nil, err
	}
	changeDispatched, err := meter.Int64Counter("geowarn_change_records_dispatched_total")
	if err != nil {
		return nil, err
	}
	reactionsApplied, err := meter.Int64Counter("geowarn_reactions_applied_total")
	if err != nil {
		return nil, err
	}
	reactionsSkipped, err := meter.Int64Counter("geowarn_reactions_skipped_total")
	if err != nil {
		return nil, err
	}
	notificationsSent, err := meter.Int64Counter("geowarn_notifications_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("geowarn_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("geowarn_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		alertTransitions:  alertTransitions,
		transitionDenied:  transitionDenied,
		changeDispatched:  changeDispatched,
		reactionsApplied:  reactionsApplied,
		reactionsSkipped:  reactionsSkipped,
		notificationsSent: notificationsSent,
		rateLimitAllowed:  rateLimitAllowed,
		rateLimitDenied:   rateLimitDenied,
	}, nil
}

// RecordAlertTransition increments transition counts by edge.
func (m *Metrics) RecordAlertTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.alertTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTransitionDenied increments rejected transition counts by reason.
func (m *Metrics) RecordTransitionDenied(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.transitionDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordChangeDispatched increments dispatched change record counts.
func (m *Metrics) RecordChangeDispatched(ctx context.Context, transition string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("transition", strings.TrimSpace(transition)))
	m.changeDispatched.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReactionApplied increments applied reaction counts.
func (m *Metrics) RecordReactionApplied(ctx context.Context, reaction string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reaction", strings.TrimSpace(reaction)))
	m.reactionsApplied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReactionSkipped increments duplicate reaction skips.
func (m *Metrics) RecordReactionSkipped(ctx context.Context, reaction string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reaction", strings.TrimSpace(reaction)))
	m.reactionsSkipped.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordNotification increments dashboard notification counts by kind.
func (m *Metrics) RecordNotification(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.notificationsSent.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"endpoint":    {},
	"status_code": {},
	"from":        {},
	"to":          {},
	"transition":  {},
	"reaction":    {},
	"kind":        {},
	"reason":      {},
	"channel":     {},
	"severity":    {},
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
