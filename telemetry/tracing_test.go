package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vinayprograms/plasma/envelope"
)

func newRecordingTracer(debug bool) (*Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return NewTracerFromProvider(tp, "test", debug), rec
}

func spanNamed(t *testing.T, rec *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range rec.Ended() {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("no ended span named %q", name)
	return nil
}

func TestNoopTracerLeavesTaskAlone(t *testing.T) {
	task := envelope.NewTask("t1", "grok", "hi", nil)
	_, span := GetTracer().StartSubmitSpan(context.Background(), task)
	End(span, nil)

	if _, ok := task.Extra[TraceField]; ok {
		t.Errorf("no-op tracer wrote a trace field: %s", task.Extra[TraceField])
	}
}

func TestTracePropagatesThroughEnvelope(t *testing.T) {
	tracer, rec := newRecordingTracer(false)

	task := envelope.NewTask("t1", "grok", "hi", nil)
	_, submit := tracer.StartSubmitSpan(context.Background(), task)
	if _, ok := task.Extra[TraceField]; !ok {
		t.Fatal("submit span did not inject a trace field")
	}
	raw, err := task.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	_, route := tracer.StartRouteSpan(context.Background(), raw)
	End(route, nil)

	decoded, err := envelope.DecodeTask(raw)
	if err != nil {
		t.Fatalf("DecodeTask: %v", err)
	}
	ctx, process := tracer.StartTaskSpan(context.Background(), decoded, "grok")
	_, completion := tracer.StartCompletionSpan(ctx)
	tracer.EndCompletionSpan(completion, CompletionSpanOptions{Provider: "xai", Model: "grok-3"}, nil)
	End(process, nil)
	End(submit, nil)

	root := spanNamed(t, rec, "client.submit")
	for _, name := range []string{"router.route", "worker.process"} {
		s := spanNamed(t, rec, name)
		if s.SpanContext().TraceID() != root.SpanContext().TraceID() {
			t.Errorf("%s is in a different trace", name)
		}
		if s.Parent().SpanID() != root.SpanContext().SpanID() {
			t.Errorf("%s parent = %v, want client.submit", name, s.Parent().SpanID())
		}
	}
	if c := spanNamed(t, rec, "completion"); c.Parent().SpanID() != spanNamed(t, rec, "worker.process").SpanContext().SpanID() {
		t.Error("completion should be a child of worker.process")
	}
}

func TestRouteSpanWithoutTrace(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no trace field", `{"task_id":"t1","target":"grok","prompt":"hi"}`},
		{"trace not an object", `{"task_id":"t1","target":"grok","prompt":"hi","trace":"abc"}`},
		{"not json", `garbage`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, rec := newRecordingTracer(false)
			_, span := tracer.StartRouteSpan(context.Background(), []byte(tt.raw))
			End(span, nil)

			s := spanNamed(t, rec, "router.route")
			if s.Parent().IsValid() {
				t.Error("route span should start a new trace")
			}
		})
	}
}

func TestEndCompletionSpan(t *testing.T) {
	tests := []struct {
		name       string
		debug      bool
		err        error
		wantStatus codes.Code
		wantPrompt bool
	}{
		{"ok", false, nil, codes.Ok, false},
		{"error", false, errors.New("429"), codes.Error, false},
		{"debug records content", true, nil, codes.Ok, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, rec := newRecordingTracer(tt.debug)
			_, span := tracer.StartCompletionSpan(context.Background())
			tracer.EndCompletionSpan(span, CompletionSpanOptions{
				Provider: "openai",
				Model:    "gpt-4o",
				Prompt:   "2+2?",
				Response: "4",
			}, tt.err)

			s := spanNamed(t, rec, "completion")
			if s.Status().Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", s.Status().Code, tt.wantStatus)
			}
			hasPrompt := false
			for _, kv := range s.Attributes() {
				if kv.Key == "llm.prompt" {
					hasPrompt = true
				}
			}
			if hasPrompt != tt.wantPrompt {
				t.Errorf("llm.prompt recorded = %v, want %v", hasPrompt, tt.wantPrompt)
			}
		})
	}
}

func TestInitProvider_Validation(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	if (ProviderConfig{}).Enabled() {
		t.Error("empty config should not be enabled")
	}
	if _, err := InitProvider(context.Background(), ProviderConfig{}); err == nil {
		t.Error("expected error without endpoint")
	}
	if _, err := InitProvider(context.Background(), ProviderConfig{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestMapCarrier(t *testing.T) {
	c := MapCarrier{}
	c.Set("traceparent", "00-abc-def-01")
	if c.Get("traceparent") != "00-abc-def-01" {
		t.Errorf("Get = %q", c.Get("traceparent"))
	}
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "traceparent" {
		t.Errorf("Keys = %v", keys)
	}
}
