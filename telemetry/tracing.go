// Package telemetry traces tasks across plasma processes with
// OpenTelemetry.
//
// The client starts a span per task and injects its context into the
// task's "trace" extra field. Extra fields survive routing byte-for-byte,
// so the router and the worker can each continue the trace:
//
//	client.submit -> router.route
//	              -> worker.process -> completion
//
// Without an exporter (see InitProvider) every span is a no-op and no
// trace field is written.
package telemetry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vinayprograms/plasma/envelope"
)

// TraceField is the task extra field carrying the W3C trace context.
const TraceField = "trace"

// Tracer starts plasma spans.
type Tracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	debug      bool // When true, prompts and answers are recorded on spans
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the tracer returned by GetTracer.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if none is set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NewTracerFromProvider(noop.NewTracerProvider(), "", false)
	}
	return globalTracer
}

// NewTracer creates a tracer on the global OpenTelemetry provider.
func NewTracer(name string, debug bool) *Tracer {
	return NewTracerFromProvider(otel.GetTracerProvider(), name, debug)
}

// NewTracerFromProvider creates a tracer on tp.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer:     tp.Tracer(name),
		propagator: propagation.TraceContext{},
		debug:      debug,
	}
}

// Debug returns whether content is recorded on spans.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSubmitSpan starts the root span of a task and writes its context
// into the task's trace field.
func (t *Tracer) StartSubmitSpan(ctx context.Context, task *envelope.Task) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "client.submit",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(taskAttrs(task.TaskID, task.Target)...))
	if t.debug {
		span.SetAttributes(attribute.String("plasma.prompt", truncate(task.Prompt, 4000)))
	}
	t.inject(ctx, task)
	return ctx, span
}

// StartRouteSpan continues the trace carried by a raw inbox message.
func (t *Tracer) StartRouteSpan(ctx context.Context, raw []byte) (context.Context, trace.Span) {
	ctx = t.extract(ctx, gjson.GetBytes(raw, TraceField))
	return t.tracer.Start(ctx, "router.route",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(taskAttrs(envelope.PeekTaskID(raw), gjson.GetBytes(raw, "target").String())...))
}

// StartTaskSpan continues the trace carried by task on the worker side.
func (t *Tracer) StartTaskSpan(ctx context.Context, task *envelope.Task, agent string) (context.Context, trace.Span) {
	if v, ok := task.Extra[TraceField]; ok {
		ctx = t.extract(ctx, gjson.ParseBytes(v))
	}
	return t.tracer.Start(ctx, "worker.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("plasma.task_id", task.TaskID),
			attribute.String("plasma.agent", agent),
		))
}

// CompletionSpanOptions describes one model call.
type CompletionSpanOptions struct {
	Provider  string
	Model     string
	MaxTokens int
	Prompt    string // Only recorded if debug=true
	Response  string // Only recorded if debug=true
}

// StartCompletionSpan starts a span for a model call.
func (t *Tracer) StartCompletionSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "completion", trace.WithSpanKind(trace.SpanKindClient))
}

// EndCompletionSpan ends a completion span with attributes.
func (t *Tracer) EndCompletionSpan(span trace.Span, opts CompletionSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.provider", opts.Provider),
		attribute.String("llm.model", opts.Model),
		attribute.Int("llm.max_tokens", opts.MaxTokens),
	}
	if t.debug {
		if opts.Prompt != "" {
			attrs = append(attrs, attribute.String("llm.prompt", truncate(opts.Prompt, 4000)))
		}
		if opts.Response != "" {
			attrs = append(attrs, attribute.String("llm.response", truncate(opts.Response, 4000)))
		}
	}
	span.SetAttributes(attrs...)
	End(span, err)
}

// End records err, if any, and ends span.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

func (t *Tracer) inject(ctx context.Context, task *envelope.Task) {
	carrier := MapCarrier{}
	t.propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return
	}
	data, err := json.Marshal(carrier)
	if err != nil {
		return
	}
	if task.Extra == nil {
		task.Extra = make(map[string]json.RawMessage)
	}
	task.Extra[TraceField] = data
}

func (t *Tracer) extract(ctx context.Context, field gjson.Result) context.Context {
	if !field.IsObject() {
		return ctx
	}
	carrier := MapCarrier{}
	field.ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.String {
			carrier[k.String()] = v.String()
		}
		return true
	})
	return t.propagator.Extract(ctx, carrier)
}

// MapCarrier is a map-based TextMapCarrier.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func taskAttrs(taskID, target string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("plasma.task_id", taskID),
		attribute.String("plasma.target", target),
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
