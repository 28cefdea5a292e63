// Package otel wires OpenTelemetry tracing and metrics for the labeler.
// When disabled every provider is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "inbox-labeler"
	MeterName  = "inbox-labeler"
	// Version is reported as a resource attribute.
	Version = "v0.3.0"
)

// Exporter names accepted in the telemetry config.
const (
	ExporterOTLP   = "otlp-http"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

const defaultOTLPEndpoint = "localhost:4318"

// Resource attribute keys describing the running labeler.
const (
	ResInboxProjectID = attribute.Key("labeler.inbox_project_id")
	ResLLMProvider    = attribute.Key("labeler.llm.provider")
	ResLLMModel       = attribute.Key("labeler.llm.model")
	ResVocabularySize = attribute.Key("labeler.vocabulary.size")
	ResVersion        = attribute.Key("labeler.version")
)

// Config is the telemetry section of config.yaml. Exporter is one of
// "otlp-http" (default), "stdout" or "none".
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Service identifies which inbox and model this process labels with. It is
// attached to every exported span and metric.
type Service struct {
	InboxProjectID string
	LLMProvider    string
	LLMModel       string
	VocabularySize int
}

// Provider bundles the tracer and meter handed to the orchestrator.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Init builds the providers. Callers must Shutdown the result on exit.
func Init(ctx context.Context, cfg Config, svc Service) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         mp.Meter(MeterName),
			MeterProvider: mp,
		}, nil
	}

	res, err := newResource(ctx, cfg.ServiceName, svc)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	exporter, err := newExporter(ctx, cfg.Exporter, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func newResource(ctx context.Context, serviceName string, svc Service) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = TracerName
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(Version),
		ResVersion.String(Version),
		ResVocabularySize.Int(svc.VocabularySize),
	}
	// The inbox id is empty until the provider resolves it on the first tick.
	if svc.InboxProjectID != "" {
		attrs = append(attrs, ResInboxProjectID.String(svc.InboxProjectID))
	}
	if svc.LLMProvider != "" {
		attrs = append(attrs, ResLLMProvider.String(svc.LLMProvider))
	}
	if svc.LLMModel != "" {
		attrs = append(attrs, ResLLMModel.String(svc.LLMModel))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// newSampler keeps a fraction of root traces; child spans follow the parent.
func newSampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func newExporter(ctx context.Context, name, endpoint string) (sdktrace.SpanExporter, error) {
	switch name {
	case ExporterOTLP, "":
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterNone:
		return stdouttrace.New(stdouttrace.WithWriter(io.Discard))
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: %s, %s, %s)", name, ExporterOTLP, ExporterStdout, ExporterNone)
	}
}
