package kernel

import (
	"context"
	"encoding/json"
)

// HookPoint enumerates where a Hook can attach in the message/tool pipeline.
type HookPoint string

const (
	HookBeforeInbound  HookPoint = "before_inbound"
	HookBeforeOutbound HookPoint = "before_outbound"
	HookBeforeToolCall HookPoint = "before_tool_call"
)

// HookFailureMode controls what happens when a hook itself errors.
type HookFailureMode string

const (
	FailOpen   HookFailureMode = "fail_open"
	FailClosed HookFailureMode = "fail_closed"
)

// HookOutcomeKind tags the closed HookOutcome sum type.
type HookOutcomeKind string

const (
	HookContinue HookOutcomeKind = "continue"
	HookReject   HookOutcomeKind = "reject"
)

// HookOutcome is what a hook returns for one invocation.
type HookOutcome struct {
	Kind           HookOutcomeKind
	ModifiedParams json.RawMessage // only meaningful when Kind == HookContinue
	RejectReason   string          // only meaningful when Kind == HookReject
}

// HookEvent carries the tool-call (or message) under consideration to a
// hook. ToolName/Params/ToolCallID apply to HookBeforeToolCall; Content
// applies to HookBeforeInbound/HookBeforeOutbound.
type HookEvent struct {
	ToolName   string
	Params     json.RawMessage
	ToolCallID string
	Content    string
}

// Hook is the extension point for pre-dispatch and pre-tool-call policy
// enforcement.
type Hook interface {
	Name() string
	HookPoints() []HookPoint
	FailureMode() HookFailureMode
	Execute(ctx context.Context, point HookPoint, event HookEvent) (HookOutcome, error)
}

// HookRegistry runs hooks in registration order for a given HookPoint. A
// Reject outcome short-circuits the chain; a Continue outcome with
// ModifiedParams updates the event in place before the next hook runs.
type HookRegistry struct {
	hooks []Hook
}

// NewHookRegistry creates an empty hook registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{}
}

// Register appends a hook, preserving registration order.
func (h *HookRegistry) Register(hook Hook) {
	h.hooks = append(h.hooks, hook)
}

// RunBeforeToolCall runs every hook attached to HookBeforeToolCall in
// registration order. It returns the (possibly modified) params, whether the
// call was rejected, and the rejection reason if so. Malformed Modify
// outcomes (params that fail to parse as JSON) are logged by the caller and
// ignored - this function simply refuses to apply them.
func (h *HookRegistry) RunBeforeToolCall(ctx context.Context, toolName, toolCallID string, params json.RawMessage) (effective json.RawMessage, rejected bool, reason string, malformed []string) {
	effective = params
	for _, hook := range h.hooks {
		if !attachesTo(hook, HookBeforeToolCall) {
			continue
		}
		outcome, err := hook.Execute(ctx, HookBeforeToolCall, HookEvent{
			ToolName:   toolName,
			Params:     effective,
			ToolCallID: toolCallID,
		})
		if err != nil {
			if hook.FailureMode() == FailClosed {
				return effective, true, "hook " + hook.Name() + " failed: " + err.Error(), malformed
			}
			continue
		}
		switch outcome.Kind {
		case HookReject:
			return effective, true, outcome.RejectReason, malformed
		case HookContinue:
			if len(outcome.ModifiedParams) > 0 {
				if json.Valid(outcome.ModifiedParams) {
					effective = outcome.ModifiedParams
				} else {
					malformed = append(malformed, hook.Name())
				}
			}
		}
	}
	return effective, false, "", malformed
}

func attachesTo(hook Hook, point HookPoint) bool {
	for _, p := range hook.HookPoints() {
		if p == point {
			return true
		}
	}
	return false
}
