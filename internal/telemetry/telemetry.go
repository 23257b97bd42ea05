// Package telemetry configures OpenTelemetry metrics for Wayfare.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls metric export. An empty endpoint or disabled metrics yield a
// noop provider so instrumented code paths never branch on telemetry state.
type Config struct {
	OTLPEndpoint  string
	ServiceName   string
	Environment   string
	OTLPInsecure  bool
	EnableMetrics bool
}

// DefaultConfig returns the telemetry defaults for local development.
func DefaultConfig() Config {
	return Config{
		OTLPEndpoint:  "",
		ServiceName:   "wayfare-storefront",
		Environment:   "dev",
		OTLPInsecure:  true,
		EnableMetrics: false,
	}
}

// Provider owns the configured meter provider and its shutdown hook.
type Provider struct {
	meterProvider apimetric.MeterProvider
	shutdown      func(context.Context) error
}

var (
	envMu      sync.RWMutex
	currentEnv = "dev"
)

// Environment reports the deployment environment recorded at start-up.
func Environment() string {
	envMu.RLock()
	defer envMu.RUnlock()
	return currentEnv
}

func setEnvironment(env string) {
	trimmed := strings.TrimSpace(env)
	if trimmed == "" {
		return
	}
	envMu.Lock()
	currentEnv = trimmed
	envMu.Unlock()
}

// NewProvider configures the global meter provider from cfg.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	setEnvironment(cfg.Environment)

	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "wayfare-storefront"
	}
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)

	if endpoint == "" || !cfg.EnableMetrics {
		mp := noop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return &Provider{meterProvider: mp, shutdown: func(context.Context) error { return nil }}, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure || cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return &Provider{meterProvider: mp, shutdown: mp.Shutdown}, nil
}

// Shutdown flushes and stops metric export.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}
