// Package tracer configures OpenTelemetry for troupe. Agents, dispatchers,
// the orchestrator and the backends each open one span per backend exchange
// or orchestrator call through StartSpan.
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

	"troupe/internal/infra/config"
)

const tracerName = "troupe"

// Setup installs the process-wide provider described by the tracer section
// of troupe.yaml and returns the func that flushes it on shutdown. Only the
// stdout exporter records spans; "noop" or disabled tracing costs nothing.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	exporter := cfg.Exporter
	if !cfg.Enabled {
		exporter = "noop"
	}

	switch exporter {
	case "noop", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	case "stdout":
		spans, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("tracer: stdout exporter: %w", err)
		}
		tp := NewProvider(sdktrace.WithBatcher(spans))
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	}
	return nil, fmt.Errorf("tracer: unsupported exporter %q", exporter)
}

// NewProvider builds a provider that samples every span and tags it with
// service.name=troupe. Tests pass an in-memory recorder through opts.
func NewProvider(opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(attribute.String("service.name", tracerName))
	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}, opts...)
	return sdktrace.NewTracerProvider(opts...)
}

// StartSpan opens a span such as "agent.chat" or "orchestrator.converse".
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// RecordError marks the span failed with err, e.g. a backend stream error.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetOK marks a completed exchange.
func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// StringAttr tags a span with ids such as session.id or agent.id.
func StringAttr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// IntAttr tags a span with counts such as roster.size or turns.max.
func IntAttr(key string, value int) attribute.KeyValue {
	return attribute.Int(key, value)
}

// BoolAttr tags a span with flags such as backend.continued.
func BoolAttr(key string, value bool) attribute.KeyValue {
	return attribute.Bool(key, value)
}
