// Package telemetry configures OpenTelemetry tracing for the document
// pipeline.
//
// Spans cover the three nesting levels of a pipeline execution: the
// request, each stage run within it, and each fired async retry. Custom
// span attributes use the `pipeline.` prefix; correlation IDs ride along
// verbatim so traces join up with log lines.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "librarius/pipeline"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider is
// used). Returns a shutdown function that must be called on application
// exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("librarius-pipelined"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartRequestSpan creates the parent span for a pipeline request.
func StartRequestSpan(ctx context.Context, requestID, documentID, mode string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pipeline.request",
		trace.WithAttributes(
			attribute.String("pipeline.request_id", requestID),
			attribute.String("pipeline.document_id", documentID),
			attribute.String("pipeline.mode", mode),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRequestSpan enriches the request span with its outcome.
func EndRequestSpan(span trace.Span, outcome string, successRate float64) {
	span.SetAttributes(
		attribute.String("pipeline.outcome", outcome),
		attribute.Float64("pipeline.success_rate", successRate),
	)
	span.End()
}

// StartStageSpan creates a child span for one stage run.
func StartStageSpan(ctx context.Context, stage, documentID, correlationID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("pipeline.stage", stage),
			attribute.String("pipeline.document_id", documentID),
			attribute.String("pipeline.correlation_id", correlationID),
		),
	)
}

// EndStageSpan enriches the stage span with its result and closes it.
func EndStageSpan(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("pipeline.status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
	}
	span.End()
}

// StartRetrySpan creates a span for one fired async retry.
func StartRetrySpan(ctx context.Context, stage, errorID string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pipeline.retry",
		trace.WithAttributes(
			attribute.String("pipeline.stage", stage),
			attribute.String("pipeline.error_id", errorID),
			attribute.Int("pipeline.attempt", attempt),
		),
	)
}
