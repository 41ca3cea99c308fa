// Package telemetry wires the OTLP metric pipeline shared by the trader and
// its supporting commands.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	serviceName        = "optflow"
	serviceVersion     = "1.0.0"
	defaultEnvironment = "development"
	defaultInterval    = 30 * time.Second
)

var environment atomic.Pointer[string]

// Config controls the metric exporter.
type Config struct {
	Enabled          bool
	OTLPEndpoint     string
	OTLPInsecure     bool
	MetricInterval   time.Duration
	ShutdownTimeout  time.Duration
	ServiceName      string
	ServiceNamespace string
	Environment      string
}

// DefaultConfig reads the standard OTEL_* variables plus OPTFLOW_ENV.
func DefaultConfig() Config {
	return Config{
		Enabled:          envFlag("OTEL_ENABLED"),
		OTLPEndpoint:     envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		OTLPInsecure:     envFlag("OTEL_EXPORTER_OTLP_INSECURE"),
		MetricInterval:   defaultInterval,
		ShutdownTimeout:  5 * time.Second,
		ServiceName:      envOr("OTEL_SERVICE_NAME", serviceName),
		ServiceNamespace: os.Getenv("OTEL_SERVICE_NAMESPACE"),
		Environment:      envOr("OPTFLOW_ENV", defaultEnvironment),
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envFlag(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}

// Provider owns the SDK meter provider. The zero provider is valid and
// hands out global meters.
type Provider struct {
	mp      *sdkmetric.MeterProvider
	timeout time.Duration
}

// NewProvider records the environment label and, when enabled, installs an
// OTLP/HTTP meter provider as the global one.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	env := strings.ToLower(strings.TrimSpace(cfg.Environment))
	environment.Store(&env)
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	res, err := newResource(ctx, cfg.ServiceName, cfg.ServiceNamespace, env)
	if err != nil {
		return nil, err
	}
	exporter, err := otlpmetrichttp.New(ctx, exporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithView(histogramViews()...),
	)
	otel.SetMeterProvider(mp)
	return &Provider{mp: mp, timeout: cfg.ShutdownTimeout}, nil
}

func exporterOptions(cfg Config) []otlpmetrichttp.Option {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint))}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return opts
}

// Shutdown flushes pending exports, bounded by the configured timeout.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.mp == nil {
		return nil
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}
	return nil
}

func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if p == nil || p.mp == nil {
		return otel.Meter(name, opts...)
	}
	return p.mp.Meter(name, opts...)
}

func newResource(ctx context.Context, name, namespace, env string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(name),
		semconv.ServiceVersionKey.String(serviceVersion),
		AttrEnvironment.String(env),
	}
	if namespace != "" {
		attrs = append(attrs, semconv.ServiceNamespaceKey.String(namespace))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	return res, nil
}

// Bucket boundaries in milliseconds.
var histogramBuckets = map[string][]float64{
	"orders.submit.duration":       {1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	"dispatcher.delivery.duration": {0.05, 0.1, 0.5, 1, 2, 5, 10, 50, 100},
	"eventbus.publish.duration":    {0.01, 0.05, 0.1, 0.5, 1, 5, 10},
}

func histogramViews() []sdkmetric.View {
	views := make([]sdkmetric.View, 0, len(histogramBuckets))
	for name, bounds := range histogramBuckets {
		views = append(views, sdkmetric.NewView(
			sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
		))
	}
	return views
}

// stripScheme drops an http(s):// prefix; the exporter wants host:port.
func stripScheme(endpoint string) string {
	for _, scheme := range []string{"http://", "https://"} {
		if rest, ok := strings.CutPrefix(endpoint, scheme); ok {
			return rest
		}
	}
	return endpoint
}

// Environment is the lower-cased environment label set by NewProvider.
func Environment() string {
	if v := environment.Load(); v != nil && *v != "" {
		return *v
	}
	return defaultEnvironment
}
