package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/vnmchuo/usage-meter/config"
)

const ServiceName = "usage-meter"

// InitTracer installs the global tracer provider and returns a shutdown
// function. Exporter type "none" leaves the default no-op provider in place.
func InitTracer(serviceName string, cfg *config.Config) (func(), error) {
	if cfg.OTELExporterType == "none" {
		return func() {}, nil
	}

	ctx := context.Background()

	var exporter trace.SpanExporter
	var err error

	switch cfg.OTELExporterType {
	case "otlp":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTELExporterEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
	case "stdout", "":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown OTEL_EXPORTER_TYPE %q", cfg.OTELExporterType)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"", // empty schema URL avoids a conflict with resource.Default()
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("0.2.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}

	return shutdown, nil
}
