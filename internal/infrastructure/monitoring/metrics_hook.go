package monitoring

import (
	"context"
	"time"

	"github.com/jimiagent/jimi/internal/domain/service"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MetricsHook is an AgentHook that instruments the AgentLoop with Monitor
// metrics and, when a Tracer is set, an OpenTelemetry span per LLM call and
// per tool call. Embed NoOpHook for default method implementations. Wire it
// into the AgentLoop alongside other hooks via a HookChain and SetHooks().
//
// Usage:
//
//	monitor := monitoring.NewMonitor(logger)
//	tracer := monitoring.NewTracer("jimi", logger)
//	hook := monitoring.NewMetricsHook(monitor, tracer)
//	agentLoop.SetHooks(service.NewHookChain(securityHook, hook))
type MetricsHook struct {
	service.NoOpHook
	monitor *Monitor
	tracer  *Tracer

	stepTime time.Time // tracks per-step latency

	llmSpan  trace.Span
	toolSpan trace.Span
}

// NewMetricsHook creates a metrics-and-tracing agent hook. tracer may be nil
// to disable span creation while keeping metrics collection.
func NewMetricsHook(monitor *Monitor, tracer *Tracer) *MetricsHook {
	return &MetricsHook{monitor: monitor, tracer: tracer}
}

var _ service.AgentHook = (*MetricsHook)(nil)

// BeforeLLMCall is called before each LLM request.
func (h *MetricsHook) BeforeLLMCall(ctx context.Context, req *service.LLMRequest, step int) {
	h.monitor.IncModelCall()
	h.monitor.IncRequestTotal()
	h.stepTime = time.Now()

	if h.tracer != nil {
		_, span := h.tracer.StartSpan(ctx, "llm.call", attribute.Int("step", step), attribute.String("model", req.Model))
		h.llmSpan = span
	}
}

// AfterLLMCall is called after each successful LLM response.
func (h *MetricsHook) AfterLLMCall(ctx context.Context, resp *service.LLMResponse, step int) {
	h.monitor.IncRequestSuccess()
	h.monitor.AddTokensUsed(resp.TokensUsed)
	if !h.stepTime.IsZero() {
		h.monitor.RecordRequestLatency(time.Since(h.stepTime))
	}
	if h.llmSpan != nil {
		h.llmSpan.SetAttributes(attribute.Int("tokens_used", resp.TokensUsed))
		h.tracer.EndSpan(h.llmSpan, nil)
		h.llmSpan = nil
	}
}

// BeforeToolCall is called before each tool execution.
// Always returns true (does not veto) — purely observational.
func (h *MetricsHook) BeforeToolCall(ctx context.Context, toolName string, args map[string]interface{}) bool {
	h.monitor.IncToolCallTotal()
	if h.tracer != nil {
		_, span := h.tracer.StartSpan(ctx, "tool.call", attribute.String("tool", toolName))
		h.toolSpan = span
	}
	return true
}

// AfterToolCall is called after each tool execution completes.
func (h *MetricsHook) AfterToolCall(ctx context.Context, toolName string, output string, success bool) {
	if success {
		h.monitor.IncToolCallSuccess()
	} else {
		h.monitor.IncToolCallFailed()
	}
	if h.toolSpan != nil {
		var err error
		if !success {
			err = errToolFailed{tool: toolName}
		}
		h.tracer.EndSpan(h.toolSpan, err)
		h.toolSpan = nil
	}
}

// OnError is called when an error occurs in the loop.
func (h *MetricsHook) OnError(ctx context.Context, err error, step int) {
	h.monitor.IncError()
	h.monitor.IncRequestFailed()
}

// OnComplete is called when the loop finishes successfully.
func (h *MetricsHook) OnComplete(ctx context.Context, result *service.AgentResult) {
}

// OnStateChange is called on each state machine transition.
func (h *MetricsHook) OnStateChange(from, to service.AgentState, snap service.StateSnapshot) {
}

type errToolFailed struct{ tool string }

func (e errToolFailed) Error() string { return "tool " + e.tool + " returned a failure result" }
