// Package tracer wires OpenTelemetry for the RPC session and offers small
// helpers around span status.
package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"ocpp-rpc/internal/domain"
	"ocpp-rpc/internal/infra/config"
)

const tracerName = "ocpp-rpc"

// Station identifies the charge point on the trace resource.
type Station struct {
	ID      string
	Version string
}

// Setup initializes OpenTelemetry tracing and returns a shutdown function.
// When cfg.Enabled is false, a noop TracerProvider is used (zero overhead).
// The station is recorded on the resource of every span.
func Setup(ctx context.Context, cfg config.TracerConfig, station Station) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		exporter = exp
	case "noop", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(resource.NewSchemaless(resourceAttrs(station)...)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func resourceAttrs(station Station) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("service.name", tracerName)}
	if station.ID != "" {
		attrs = append(attrs, attribute.String("ocpp.station_id", station.ID))
	}
	if station.Version != "" {
		attrs = append(attrs,
			attribute.String("ocpp.version", station.Version),
			attribute.String("ocpp.language", string(domain.ResolveLanguage(station.Version))),
		)
	}
	return attrs
}

// MessageAttrs describes a decoded frame. Action is only present on calls.
func MessageAttrs(msg domain.Message) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("ocpp.type", msg.Type.String()),
		attribute.String("ocpp.id", msg.ID.String()),
	}
	if msg.Action != "" {
		attrs = append(attrs, attribute.String("ocpp.action", msg.Action))
	}
	return attrs
}

// StartSpan is a convenience helper to start a named span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// RecordError records an error on the span and sets error status.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetOK sets the span status to OK.
func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// StringAttr is a convenience for attribute.String.
func StringAttr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// IntAttr is a convenience for attribute.Int.
func IntAttr(key string, value int) attribute.KeyValue {
	return attribute.Int(key, value)
}
