// Package telemetry sets up OpenTelemetry tracing for the relay
//
// Spans are created with otel.Tracer() by the server and publisher packages. Without InitTracing the
// global no-op provider is used and spans cost nothing.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/relex/gotils/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const defaultServiceName = "alsrelay"

// TracingConfig contains tracing options, tracing is off unless an endpoint is set here or in OTEL_EXPORTER_OTLP_ENDPOINT
type TracingConfig struct {
	OtlpEndpoint     string  `help:"OTLP/gRPC collector to export traces to, e.g. localhost:4317"`
	TraceSampleRatio float64 `help:"Ratio of new traces to sample, from 0.0 to 1.0"`
}

// DefaultTracingConfig returns the configuration with tracing disabled
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		OtlpEndpoint:     "",
		TraceSampleRatio: 0.1,
	}
}

// Endpoint returns the collector address without scheme, or empty if tracing is disabled
func (c TracingConfig) Endpoint() string {
	endpoint := c.OtlpEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return endpoint
}

// SampleRatio returns the configured ratio, overridden by a valid OTEL_TRACES_SAMPLER_ARG
func (c TracingConfig) SampleRatio(parentLogger logger.Logger) float64 {
	ratio := c.TraceSampleRatio
	if ratioStr := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); ratioStr != "" {
		if envRatio, err := strconv.ParseFloat(ratioStr, 64); err == nil {
			ratio = envRatio
		} else {
			parentLogger.Warnf("invalid OTEL_TRACES_SAMPLER_ARG '%s', using %g: %v", ratioStr, ratio, err)
		}
	}
	switch {
	case ratio < 0:
		return 0
	case ratio > 1:
		return 1
	default:
		return ratio
	}
}

// InitTracing installs the W3C trace context propagator and, if enabled, an OTLP exporter as the global tracer provider
//
// The returned function flushes pending spans and must be called before exit
func InitTracing(ctx context.Context, parentLogger logger.Logger, config TracingConfig) (func(context.Context) error, error) {
	tlogger := parentLogger.WithField("component", "Tracing")

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	endpoint := config.Endpoint()
	if endpoint == "" {
		tlogger.Debug("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	ratio := config.SampleRatio(tlogger)

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)

	tlogger.Infof("exporting traces to %s as %s, sample ratio %g", endpoint, serviceName, ratio)
	return tp.Shutdown, nil
}
