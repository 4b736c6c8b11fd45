package service

import (
	"context"
	"encoding/json"
	"fmt"

	domainapproval "github.com/jimiagent/jimi/internal/domain/approval"
	domaincontext "github.com/jimiagent/jimi/internal/domain/context"
	"github.com/jimiagent/jimi/internal/domain/entity"
	domaintool "github.com/jimiagent/jimi/internal/domain/tool"
	"github.com/jimiagent/jimi/internal/infrastructure/eventbus"
	"go.uber.org/zap"
)

// ContextCompactor collapses a Context Store's durable history down to a
// summary plus a recent tail once AgentLoop's own in-run compaction has
// produced a summary worth persisting (spec.md §8 Scenario S5). Defined
// here so StepEngine depends only on domain types; the concrete
// implementation lives in the application layer and is injected via
// SetCompactor, the same inversion SecurityHook's ApprovalFunc uses.
type ContextCompactor interface {
	Apply(ctx context.Context, store *domaincontext.Store, summary string) error
}

// StepEngine is the Step Engine (spec.md §4.7): the orchestration boundary
// that wires a Context Store, a Wire event bus, and an Approval Arbiter
// around the ReAct step loop. AgentLoop keeps the model-call retry,
// compaction and loop-detection mechanics the teacher already had; StepEngine
// adds the three cross-cutting concerns the loop itself never knew about and
// turns its private event channel into durable history plus Wire events.
type StepEngine struct {
	loop      *AgentLoop
	store     *domaincontext.Store
	wire      eventbus.Wire
	arbiter   *domainapproval.Arbiter
	compactor ContextCompactor
	logger    *zap.Logger
}

// NewStepEngine wires a Step Engine around an already-configured AgentLoop.
// If arbiter is non-nil it is also installed on loop via SetArbiter.
func NewStepEngine(loop *AgentLoop, store *domaincontext.Store, wire eventbus.Wire, arbiter *domainapproval.Arbiter, logger *zap.Logger) *StepEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if arbiter != nil {
		loop.SetArbiter(arbiter)
	}
	return &StepEngine{
		loop:    loop,
		store:   store,
		wire:    wire,
		arbiter: arbiter,
		logger:  logger.With(zap.String("component", "step-engine")),
	}
}

// SetCompactor installs the Context Store-level compaction component. Left
// unset, compaction still happens inside AgentLoop's own in-memory message
// array (token-budget safety net) but the durable store never collapses.
func (e *StepEngine) SetCompactor(c ContextCompactor) {
	e.compactor = c
}

// Run drives one user turn through the step loop, replaying the Context
// Store as history, persisting every new message the loop produces, and
// republishing its internal events onto the Wire.
//
// maxSteps==0 terminates immediately with a step-interrupted event and
// appends nothing to the Context Store — the literal boundary test spec.md
// §8 names. maxSteps<0 means unlimited, matching the teacher's own
// token-budget-only termination philosophy. maxSteps>0 hard-caps the step
// count; the loop emits its own step-interrupted (via the "max steps
// reached" error path) once exceeded.
func (e *StepEngine) Run(ctx context.Context, systemPrompt, userMessage string, maxSteps int) (*AgentResult, error) {
	if maxSteps == 0 {
		e.wire.Publish(ctx, eventbus.NewEvent(eventbus.EventStepInterrupted,
			eventbus.StepInterruptedPayload{Reason: "max-steps"}))
		return &AgentResult{}, nil
	}

	cfg := e.loop.config
	if maxSteps > 0 {
		cfg.MaxSteps = maxSteps
	} else {
		cfg.MaxSteps = 0
	}
	e.loop.config = cfg

	history := e.toLLMHistory(e.store.History())

	if _, err := e.store.Checkpoint(); err != nil {
		e.logger.Warn("checkpoint at run start", zap.Error(err))
	}

	if _, err := e.store.Append(domaincontext.Message{Role: domaincontext.RoleUser, Content: userMessage}); err != nil {
		e.logger.Warn("append user message", zap.Error(err))
	}

	result, events := e.loop.Run(ctx, systemPrompt, userMessage, history, "")

	var pendingToolCalls []domaincontext.ToolCallInfo
	flushed := false
	for ev := range events {
		e.forward(ctx, ev, &pendingToolCalls, &flushed)
	}

	if result.TotalTokens > 0 {
		if err := e.store.UpdateTokens(result.TotalTokens); err != nil {
			e.logger.Warn("update token count", zap.Error(err))
		}
	}
	if result.FinalContent != "" {
		if _, err := e.store.Append(domaincontext.Message{Role: domaincontext.RoleAssistant, Content: result.FinalContent}); err != nil {
			e.logger.Warn("append final assistant message", zap.Error(err))
		}
	}

	return result, nil
}

// forward translates one internal AgentEvent into Wire events and, where the
// event carries durable conversational state, a Context Store append.
// Tool-call events for one step arrive before that step's tool-result
// events (the teacher emits all calls, runs them concurrently, then emits
// all results in declared order) — buf/flushed track that per-step grouping
// so the assistant message carrying ToolCalls is appended exactly once,
// immediately before its first tool result.
func (e *StepEngine) forward(ctx context.Context, ev entity.AgentEvent, buf *[]domaincontext.ToolCallInfo, flushed *bool) {
	switch ev.Type {
	case entity.EventStepDone:
		*buf = nil
		*flushed = false
		if ev.StepInfo != nil {
			e.wire.Publish(ctx, eventbus.NewEvent(eventbus.EventStepBegin,
				eventbus.StepBeginPayload{Step: ev.StepInfo.Step}))
		}
		if _, err := e.store.Checkpoint(); err != nil {
			e.logger.Warn("checkpoint at step boundary", zap.Error(err))
		}

	case entity.EventCompactionBegin:
		e.wire.Publish(ctx, eventbus.NewEvent(eventbus.EventCompactionBegin, nil))

	case entity.EventCompactionEnd:
		e.wire.Publish(ctx, eventbus.NewEvent(eventbus.EventCompactionEnd, nil))
		if e.compactor != nil && ev.Content != "" {
			if err := e.compactor.Apply(ctx, e.store, ev.Content); err != nil {
				e.logger.Warn("apply context store compaction", zap.Error(err))
			}
		}

	case entity.EventToolCall:
		if ev.ToolCall == nil {
			return
		}
		argsJSON, _ := json.Marshal(ev.ToolCall.Arguments)
		*buf = append(*buf, domaincontext.ToolCallInfo{
			ID:        ev.ToolCall.ID,
			Name:      ev.ToolCall.Name,
			Arguments: argsJSON,
		})
		e.wire.Publish(ctx, eventbus.NewEvent(eventbus.EventToolCall, eventbus.ToolCallPayload{
			ToolCallID: ev.ToolCall.ID,
			Name:       ev.ToolCall.Name,
			Arguments:  ev.ToolCall.Arguments,
		}))

	case entity.EventToolResult:
		if ev.ToolCall == nil {
			return
		}
		if !*flushed && len(*buf) > 0 {
			if _, err := e.store.Append(domaincontext.Message{
				Role:      domaincontext.RoleAssistant,
				ToolCalls: *buf,
			}); err != nil {
				e.logger.Warn("append assistant tool-call message", zap.Error(err))
			}
			*flushed = true
		}
		if _, err := e.store.Append(domaincontext.Message{
			Role:       domaincontext.RoleTool,
			Content:    ev.ToolCall.Output,
			ToolCallID: ev.ToolCall.ID,
		}); err != nil {
			e.logger.Warn("append tool result message", zap.Error(err))
		}
		status := domaintool.StatusOK
		if !ev.ToolCall.Success {
			status = domaintool.StatusError
		}
		e.wire.Publish(ctx, eventbus.NewEvent(eventbus.EventToolResult, eventbus.ToolResultPayload{
			ToolCallID: ev.ToolCall.ID,
			Summary:    ev.ToolCall.Output,
			Status:     string(status),
		}))

	case entity.EventError:
		e.wire.Publish(ctx, eventbus.NewEvent(eventbus.EventStepInterrupted,
			eventbus.StepInterruptedPayload{Reason: ev.Error}))

	case entity.EventDone:
		// Final content is appended by Run once the event channel closes.
	}
}

// toLLMHistory converts a Context Store snapshot into the LLMMessage shape
// AgentLoop.Run expects, at the domain/service boundary (service.LLMMessage
// is a transport DTO, distinct from the domain context.Message it mirrors).
func (e *StepEngine) toLLMHistory(msgs []domaincontext.Message) []LLMMessage {
	out := make([]LLMMessage, 0, len(msgs))
	for _, m := range msgs {
		lm := LLMMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			var args map[string]interface{}
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &args); err != nil {
					e.logger.Warn("decode stored tool-call arguments", zap.String("tool", tc.Name), zap.Error(err))
				}
			}
			lm.ToolCalls = append(lm.ToolCalls, entity.ToolCallInfo{ID: tc.ID, Name: tc.Name, Arguments: args})
		}
		for _, p := range m.Parts {
			lm.Parts = append(lm.Parts, ContentPart{Type: p.Type, Text: p.Text, MediaURL: p.MediaURL})
		}
		out = append(out, lm)
	}
	return out
}

// Checkpoint captures the Context Store's current position. It publishes
// no events; RevertTo publishes the compaction-begin/end pair.
func (e *StepEngine) Checkpoint() (int, error) {
	return e.store.Checkpoint()
}

// RevertTo rewinds the Context Store to a prior checkpoint, publishing
// compaction-begin/compaction-end around the rewrite.
func (e *StepEngine) RevertTo(ctx context.Context, ordinal int) error {
	e.wire.Publish(ctx, eventbus.NewEvent(eventbus.EventCompactionBegin, nil))
	err := e.store.RevertTo(ordinal)
	e.wire.Publish(ctx, eventbus.NewEvent(eventbus.EventCompactionEnd, nil))
	if err != nil {
		return fmt.Errorf("step engine revert: %w", err)
	}
	return nil
}
