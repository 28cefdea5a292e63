package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, Service{})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider must not build an SDK tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"none", Config{Enabled: true, Exporter: "none"}, false},
		{"stdout", Config{Enabled: true, Exporter: "stdout"}, false},
		{"custom service and sample rate", Config{Enabled: true, Exporter: "none", ServiceName: "labeler-test", SampleRate: 0.5}, false},
		{"unknown", Config{Enabled: true, Exporter: "carrier-pigeon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Init(context.Background(), tt.cfg, Service{LLMProvider: "google"})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.TracerProvider == nil {
				t.Fatal("expected SDK tracer provider")
			}
			_, span := p.Tracer.Start(context.Background(), "test.span")
			span.End()
		})
	}
}

func TestNewResource_DescribesService(t *testing.T) {
	res, err := newResource(context.Background(), "", Service{
		InboxProjectID: "220474322",
		LLMProvider:    "google",
		LLMModel:       "googleai/gemini-2.5-flash",
		VocabularySize: 3,
	})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	want := map[attribute.Key]string{
		semconv.ServiceNameKey: TracerName,
		ResInboxProjectID:      "220474322",
		ResLLMProvider:         "google",
		ResLLMModel:            "googleai/gemini-2.5-flash",
		ResVersion:             Version,
	}
	set := res.Set()
	for key, val := range want {
		got, ok := set.Value(key)
		if !ok || got.AsString() != val {
			t.Fatalf("resource %s = %q (present %v), want %q", key, got.AsString(), ok, val)
		}
	}
	if got, ok := set.Value(ResVocabularySize); !ok || got.AsInt64() != 3 {
		t.Fatalf("vocabulary size = %v (present %v), want 3", got.AsInt64(), ok)
	}
}

func TestNewResource_OmitsUnresolvedInbox(t *testing.T) {
	res, err := newResource(context.Background(), "labeler-staging", Service{LLMProvider: "openai"})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	if _, ok := res.Set().Value(ResInboxProjectID); ok {
		t.Fatal("inbox id attribute set before the inbox is known")
	}
	if got, _ := res.Set().Value(semconv.ServiceNameKey); got.AsString() != "labeler-staging" {
		t.Fatalf("service name = %q", got.AsString())
	}
}

func TestNewSampler_ClampsRate(t *testing.T) {
	for _, rate := range []float64{0, -1, 2} {
		if got := newSampler(rate).Description(); got != newSampler(1).Description() {
			t.Fatalf("rate %v: sampler %q, want always-sample", rate, got)
		}
	}
	if newSampler(0.25).Description() == newSampler(1).Description() {
		t.Fatal("fractional rate ignored")
	}
}

func TestSpanHelpers_SetKindAndAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer(TracerName)

	_, s1 := StartSpan(context.Background(), tracer, "labeler.tick", AttrTickID.String("tick-1"))
	s1.End()
	_, s2 := StartServerSpan(context.Background(), tracer, "gateway.healthz", AttrHTTPRoute.String("/healthz"))
	s2.End()
	_, s3 := StartClientSpan(context.Background(), tracer, "classifier.classify", AttrTaskID.String("t1"), AttrModel.String("googleai/gemini-2.5-flash"))
	s3.End()

	ended := rec.Ended()
	if len(ended) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(ended))
	}
	wantKinds := []trace.SpanKind{trace.SpanKindInternal, trace.SpanKindServer, trace.SpanKindClient}
	for i, s := range ended {
		if s.SpanKind() != wantKinds[i] {
			t.Errorf("span %s: kind %v, want %v", s.Name(), s.SpanKind(), wantKinds[i])
		}
	}
	found := false
	for _, kv := range ended[2].Attributes() {
		if kv.Key == AttrTaskID && kv.Value.AsString() == "t1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("task id attribute missing on client span: %v", ended[2].Attributes())
	}
}
