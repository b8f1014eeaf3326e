package kernel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TokenUsage reports the input/output token counts billed for one LLM call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Model        string
	Cached       bool
}

// Observer is the span/event emission contract the agentic loop drives.
// Every AgentStart call must be paired with exactly one AgentEnd, including
// on every error, retry, and interrupt path; Observer implementations are
// responsible for draining any child spans (LLM calls, tool calls) still
// open when AgentEnd fires rather than leaking them.
type Observer interface {
	AgentStart(ctx context.Context, runID, threadID string) context.Context
	AgentEnd(ctx context.Context, runID string)
	LlmRequest(ctx context.Context, messageCount int)
	LlmResponse(ctx context.Context, success bool, usage TokenUsage, duration time.Duration)
	ToolCallStart(ctx context.Context, toolCallID, toolName string) context.Context
	ToolCallEnd(ctx context.Context, toolCallID, toolName string, isError bool, duration time.Duration)
	TurnComplete(ctx context.Context, toolCallsInTurn int)
}

// tracerName identifies this module's span producer in exported traces.
const tracerName = "threadkiln/kernel"

// spanObserver is the grounded implementation: it opens real OTel spans
// (go.opentelemetry.io/otel, the teacher's own tracing dependency) and keeps
// a side map of every span still open for a run, keyed by run ID plus child
// key, so AgentEnd can forcibly end (with an error status) anything that
// wasn't explicitly closed - satisfying the "no leaked spans" invariant even
// when the loop returns early on an error path that forgot to close a child.
type spanObserver struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]map[string]trace.Span // runID -> childKey -> span
}

// NewSpanObserver creates an Observer backed by the global OTel tracer
// provider. Wire a TracerProvider with otel.SetTracerProvider before
// constructing the loop if spans should export anywhere; absent that, the
// no-op provider still satisfies every Observer call.
func NewSpanObserver() Observer {
	return &spanObserver{
		tracer: otel.Tracer(tracerName),
		spans:  make(map[string]map[string]trace.Span),
	}
}

func (o *spanObserver) childMap(runID string) map[string]trace.Span {
	m, ok := o.spans[runID]
	if !ok {
		m = make(map[string]trace.Span)
		o.spans[runID] = m
	}
	return m
}

func (o *spanObserver) AgentStart(ctx context.Context, runID, threadID string) context.Context {
	ctx, span := o.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("thread_id", threadID),
	))
	o.mu.Lock()
	o.childMap(runID)["__root__"] = span
	o.mu.Unlock()
	return ctx
}

// AgentEnd ends the root span and drains (ends, with an error status) any
// child spans still registered for this run - the observability invariant
// this module is built around.
func (o *spanObserver) AgentEnd(ctx context.Context, runID string) {
	o.mu.Lock()
	children := o.spans[runID]
	delete(o.spans, runID)
	o.mu.Unlock()

	for key, span := range children {
		if key == "__root__" {
			continue
		}
		span.SetStatus(codes.Error, "orphaned: run ended before span closed")
		span.End()
	}
	if root, ok := children["__root__"]; ok {
		root.End()
	}
}

func (o *spanObserver) LlmRequest(ctx context.Context, messageCount int) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("llm.request", trace.WithAttributes(attribute.Int("message_count", messageCount)))
}

func (o *spanObserver) LlmResponse(ctx context.Context, success bool, usage TokenUsage, duration time.Duration) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("llm.response", trace.WithAttributes(
		attribute.Bool("success", success),
		attribute.Int("input_tokens", usage.InputTokens),
		attribute.Int("output_tokens", usage.OutputTokens),
		attribute.Float64("cost_usd", usage.CostUSD),
		attribute.String("model", usage.Model),
		attribute.Bool("cached", usage.Cached),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	))
}

func (o *spanObserver) ToolCallStart(ctx context.Context, toolCallID, toolName string) context.Context {
	runID := trace.SpanContextFromContext(ctx).TraceID().String()
	childCtx, span := o.tracer.Start(ctx, "tool.call", trace.WithAttributes(
		attribute.String("tool_call_id", toolCallID),
		attribute.String("tool_name", toolName),
	))
	o.mu.Lock()
	o.childMap(runID)[toolCallID] = span
	o.mu.Unlock()
	return childCtx
}

func (o *spanObserver) ToolCallEnd(ctx context.Context, toolCallID, toolName string, isError bool, duration time.Duration) {
	runID := trace.SpanContextFromContext(ctx).TraceID().String()
	o.mu.Lock()
	children := o.childMap(runID)
	span, ok := children[toolCallID]
	if ok {
		delete(children, toolCallID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	if isError {
		span.SetStatus(codes.Error, "tool call failed")
	}
	span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
	span.End()
}

func (o *spanObserver) TurnComplete(ctx context.Context, toolCallsInTurn int) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("turn.complete", trace.WithAttributes(attribute.Int("tool_calls_in_turn", toolCallsInTurn)))
}

// NopObserver discards everything. Useful for tests that don't need span
// assertions.
type NopObserver struct{}

func (NopObserver) AgentStart(ctx context.Context, runID, threadID string) context.Context { return ctx }
func (NopObserver) AgentEnd(ctx context.Context, runID string)                              {}
func (NopObserver) LlmRequest(ctx context.Context, messageCount int)                        {}
func (NopObserver) LlmResponse(ctx context.Context, success bool, usage TokenUsage, duration time.Duration) {
}
func (NopObserver) ToolCallStart(ctx context.Context, toolCallID, toolName string) context.Context {
	return ctx
}
func (NopObserver) ToolCallEnd(ctx context.Context, toolCallID, toolName string, isError bool, duration time.Duration) {
}
func (NopObserver) TurnComplete(ctx context.Context, toolCallsInTurn int) {}
