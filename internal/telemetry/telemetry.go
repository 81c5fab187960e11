// Package telemetry sets up tracing for the server. Every span's resource
// names the deployment: store back end, execution level and worker count.
package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/agentserver/agentserver/internal/config"
)

// Init installs an OTLP gRPC trace pipeline. When tracing is disabled the
// global no-op provider stays in place. The returned function flushes and
// stops the exporter.
func Init(cfg *config.Config) (func(context.Context) error, error) {
	tc := cfg.Telemetry
	if !tc.Enabled || tc.OTLPEndpoint == "" {
		log.Info().Msg("OpenTelemetry disabled")
		return func(ctx context.Context) error { return nil }, nil
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(tc.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(Attributes(cfg)...),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(tc.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("endpoint", tc.OTLPEndpoint).
		Str("service", tc.ServiceName).
		Str("store", cfg.Store.Kind).
		Float64("sample_ratio", tc.SampleRatio).
		Msg("OpenTelemetry tracing initialized")

	return tp.Shutdown, nil
}

// Attributes describes the deployment.
func Attributes(cfg *config.Config) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.Telemetry.ServiceName),
		semconv.ServiceVersionKey.String(cfg.Telemetry.Version),
		attribute.String("agentserver.store.kind", cfg.Store.Kind),
		attribute.String("agentserver.execution_level", cfg.Runtime.ExecutionLevel),
		attribute.Int("agentserver.scheduler.workers", cfg.Scheduler.Workers),
		attribute.Bool("agentserver.auth.enabled", len(cfg.Auth.APIKeys) > 0),
	}
}

// Sampler keeps ratio of root traces and follows the parent otherwise.
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
