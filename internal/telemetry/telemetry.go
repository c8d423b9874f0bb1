// Package telemetry installs OTLP tracing for the service's HTTP surfaces.
package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Options struct {
	ServiceName string
	// Endpoint is the OTLP gRPC collector; empty disables export.
	Endpoint string
	Insecure bool
	// SampleRatio applies to root spans; spans with a sampled parent are
	// always kept.
	SampleRatio float64
}

type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Setup installs the W3C propagators and, when an endpoint is configured, a
// batching OTLP exporter. The returned func flushes it.
func Setup(ctx context.Context, options Options, logger zerolog.Logger) Shutdown {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if options.Endpoint == "" {
		return noop
	}

	exporterOptions := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(options.Endpoint)}
	if options.Insecure {
		exporterOptions = append(exporterOptions, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, exporterOptions...)
	if err != nil {
		logger.Error().Err(err).Str("endpoint", options.Endpoint).Msg("tracing disabled, exporter setup failed")
		return noop
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(options.ServiceName)))
	if err != nil {
		logger.Warn().Err(err).Msg("partial tracing resource")
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler(options.SampleRatio)),
	)
	otel.SetTracerProvider(provider)
	logger.Info().Str("endpoint", options.Endpoint).Float64("sample_ratio", options.SampleRatio).Msg("tracing enabled")
	return provider.Shutdown
}

func sampler(ratio float64) trace.Sampler {
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}
