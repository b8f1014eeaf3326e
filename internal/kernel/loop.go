// Package kernel implements the agentic loop, session manager, submission
// dispatcher, and channel manager contracts this module is built around. It
// is the sole orchestrator in this module: internal/agent contributes only
// the LLMProvider/Tool contract types it drives, not a parallel loop - see
// DESIGN.md for the grounding ledger.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
	"github.com/threadkiln/threadkiln/internal/agent"
	"github.com/threadkiln/threadkiln/internal/kernelerr"
	"github.com/threadkiln/threadkiln/pkg/models"
)

// CostGuardrail enforces a daily token-spend budget and hourly tool-action
// rate per session. The loop checks it at the top of every iteration.
type CostGuardrail interface {
	CheckBudget(ctx context.Context, sessionUserID string) error
	RecordUsage(ctx context.Context, sessionUserID string, usage TokenUsage, actions int)
}

// NopCostGuardrail never objects and never records anything; the default
// when no budget is configured.
type NopCostGuardrail struct{}

func (NopCostGuardrail) CheckBudget(ctx context.Context, sessionUserID string) error { return nil }
func (NopCostGuardrail) RecordUsage(ctx context.Context, sessionUserID string, usage TokenUsage, actions int) {
}

// SkillPrefilter selects which skills are in scope for a turn. The scoring
// algorithm is deliberately left unspecified upstream (an acknowledged open
// question); this interface lets the loop stay agnostic of it.
type SkillPrefilter interface {
	SelectSkills(ctx context.Context, userInput string, isGroupChat bool, tokenBudget int) []ActiveSkill
}

// NopSkillPrefilter activates no skills.
type NopSkillPrefilter struct{}

func (NopSkillPrefilter) SelectSkills(ctx context.Context, userInput string, isGroupChat bool, tokenBudget int) []ActiveSkill {
	return nil
}

// LoopConfig configures one Loop instance. A Loop is reused across runs; all
// per-run state lives in the arguments to Run.
type LoopConfig struct {
	Provider         agent.LLMProvider
	Tools            *ToolRegistry
	Hooks            *HookRegistry
	Observer         Observer
	CostGuardrail    CostGuardrail
	SkillPrefilter   SkillPrefilter
	DefaultModel     string
	MaxToolIterations int // hard ceiling is MaxToolIterations+1 total iterations
	MaxTokens        int
	SilentReplyToken string
	DefaultToolTimeout time.Duration
	IdentitySections []IdentitySection
}

func (c LoopConfig) sanitized() LoopConfig {
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 10
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	if c.CostGuardrail == nil {
		c.CostGuardrail = NopCostGuardrail{}
	}
	if c.SkillPrefilter == nil {
		c.SkillPrefilter = NopSkillPrefilter{}
	}
	if c.Tools == nil {
		c.Tools = NewToolRegistry()
	}
	if c.Hooks == nil {
		c.Hooks = NewHookRegistry()
	}
	if c.SilentReplyToken == "" {
		c.SilentReplyToken = "<<SILENT>>"
	}
	if c.DefaultToolTimeout <= 0 {
		c.DefaultToolTimeout = 30 * time.Second
	}
	return c
}

// Loop drives the LLM-call/tool-call cycle for one turn of one thread.
type Loop struct {
	cfg LoopConfig
}

// NewLoop constructs a Loop from config, filling in defaults.
func NewLoop(cfg LoopConfig) *Loop {
	return &Loop{cfg: cfg.sanitized()}
}

// interrupted is returned internally (never to callers) when a thread was
// interrupted mid-run; Run converts it into a ResultInterrupted outcome.
var errInterrupted = kernelerr.New(kernelerr.KindJob, "thread interrupted")

// Run executes the agentic loop for a single user turn: iterating
// LLM-call/tool-call cycles until a text response, a pending-approval pause,
// or a hard iteration ceiling is reached.
//
// history is the full prior context (system messages plus every prior
// turn's messages) as already assembled by the caller; userInput is the new
// message to append before the first LLM call. isGroupChat controls whether
// private-memory system messages were already excluded from history (this
// function does not re-filter them; that's the caller's job when building
// history).
func (l *Loop) Run(ctx context.Context, thread *models.Thread, session *models.AgentSession, history []models.ChatMessage, userInput string, isGroupChat bool) (models.SubmissionResult, error) {
	runID := uuid.NewString()
	ctx = l.cfg.Observer.AgentStart(ctx, runID, thread.ID)
	defer l.cfg.Observer.AgentEnd(ctx, runID)

	messages := append([]models.ChatMessage{}, history...)
	messages = append(messages, models.ChatMessage{Role: models.ChatRoleUser, Content: userInput})

	activeSkills := l.cfg.SkillPrefilter.SelectSkills(ctx, userInput, isGroupChat, 4096)

	maxIters := l.cfg.MaxToolIterations
	totalIterations := maxIters + 1 // hard ceiling

	for iter := 0; iter < totalIterations; iter++ {
		// Step 1: interruption check.
		if thread.State == models.ThreadInterrupted {
			return models.SubmissionResult{Kind: models.ResultInterrupted}, errInterrupted
		}

		// Step 2: cost guardrail.
		if err := l.cfg.CostGuardrail.CheckBudget(ctx, session.UserID); err != nil {
			return models.SubmissionResult{Kind: models.ResultError, Message: "budget exceeded"}, err
		}

		penultimate := iter == maxIters-1
		final := iter == maxIters

		// Step 3: nudge on penultimate iteration.
		if penultimate {
			messages = append(messages, models.ChatMessage{
				Role:    models.ChatRoleSystem,
				Content: "This is the second-to-last tool iteration available. Finish any remaining tool use now; the next iteration must produce a final text response.",
			})
		}

		// Step 5 (before building tools, since trust attenuation needs skills): refresh
		// tool definitions and apply trust-based attenuation.
		var tools []agent.Tool
		if !final {
			var removed []string
			tools, removed = l.cfg.Tools.Attenuated(activeSkills)
			_ = removed // logging hook point; no-op sink by default
		}
		// Step 4: force text on final iteration - empty tool set guarantees a
		// text-only terminal response.
		if final {
			tools = nil
		}

		system := assembleSystemPrompt(l.cfg.IdentitySections, activeSkills)

		req := &agent.CompletionRequest{
			Model:     l.cfg.DefaultModel,
			System:    system,
			Messages:  toCompletionMessages(messages),
			Tools:     tools,
			MaxTokens: l.cfg.MaxTokens,
		}

		// Step 6: emit LlmRequest, call model. A context-length-exceeded error,
		// whether returned directly by Complete or surfaced mid-stream on a
		// chunk, triggers exactly one compaction-and-retry.
		l.cfg.Observer.LlmRequest(ctx, len(req.Messages))
		text, toolCalls, usage, err := l.completeOnce(ctx, req)
		if err != nil && kernelerr.IsContextLengthExceeded(err) {
			messages = compactMessages(messages)
			req.Messages = toCompletionMessages(messages)
			l.cfg.Observer.LlmRequest(ctx, len(req.Messages))
			text, toolCalls, usage, err = l.completeOnce(ctx, req)
		}
		if err != nil {
			return models.SubmissionResult{Kind: models.ResultError, Message: "the model could not be reached"}, err
		}
		l.cfg.CostGuardrail.RecordUsage(ctx, session.UserID, usage, len(toolCalls))

		assistantMsg := models.ChatMessage{Role: models.ChatRoleAssistant, Content: text, ToolCalls: toolCalls}
		messages = append(messages, assistantMsg)

		// Step 9: dispatch on response.
		if len(toolCalls) == 0 {
			l.cfg.Observer.TurnComplete(ctx, 0)
			if strings.TrimSpace(text) == l.cfg.SilentReplyToken {
				return models.SubmissionResult{Kind: models.ResultOk}, nil
			}
			return models.SubmissionResult{Kind: models.ResultResponse, Content: text}, nil
		}

		outcome, result, newMessages, err := l.handleToolCalls(ctx, thread, session, messages, assistantMsg, toolCalls)
		messages = newMessages
		if err != nil {
			return result, err
		}
		switch outcome {
		case toolOutcomeAuthRequired:
			return result, nil
		case toolOutcomeApprovalNeeded:
			return result, nil
		case toolOutcomeContinue:
			// fall through to next iteration
		}
	}

	err := fmt.Errorf("agentic loop reached the maximum of %d iterations without a final response", totalIterations)
	return models.SubmissionResult{Kind: models.ResultError, Message: "the assistant could not finish in time"}, err
}

// completeOnce issues one Complete call and drains its stream, reporting
// LlmResponse exactly once regardless of which path (top-level error,
// mid-stream chunk error, or success) the call takes.
func (l *Loop) completeOnce(ctx context.Context, req *agent.CompletionRequest) (text string, toolCalls []models.ToolCall, usage TokenUsage, err error) {
	start := time.Now()
	chunks, err := l.cfg.Provider.Complete(ctx, req)
	if err != nil {
		l.cfg.Observer.LlmResponse(ctx, false, TokenUsage{}, time.Since(start))
		return "", nil, TokenUsage{}, err
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			l.cfg.Observer.LlmResponse(ctx, false, usage, time.Since(start))
			return "", nil, usage, chunk.Error
		}
		if chunk.Text != "" {
			b.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			usage.InputTokens = chunk.InputTokens
			usage.OutputTokens = chunk.OutputTokens
			usage.Model = effectiveModelName(l.cfg.DefaultModel, req.Model)
		}
	}
	l.cfg.Observer.LlmResponse(ctx, true, usage, time.Since(start))
	return b.String(), toolCalls, usage, nil
}

type toolOutcome int

const (
	toolOutcomeContinue toolOutcome = iota
	toolOutcomeApprovalNeeded
	toolOutcomeAuthRequired
)

// preflightClass is the Phase 1 classification for one tool call.
type preflightClass int

const (
	classRunnable preflightClass = iota
	classRejected
)

type preflightEntry struct {
	call      models.ToolCall
	class     preflightClass
	params    json.RawMessage
	rejectMsg string
}

// handleToolCalls implements Phase 1 (preflight), Phase 2 (parallel
// execution), and Phase 3 (postflight) of tool-call handling, in the exact
// original-index ordering the approval-deferral contract depends on.
func (l *Loop) handleToolCalls(ctx context.Context, thread *models.Thread, session *models.AgentSession, messages []models.ChatMessage, assistantMsg models.ChatMessage, toolCalls []models.ToolCall) (toolOutcome, models.SubmissionResult, []models.ChatMessage, error) {
	entries := make([]preflightEntry, 0, len(toolCalls))
	approvalIndex := -1
	var approvalTool Tool
	var approvalParams json.RawMessage
	var approvalReason string

	for i, tc := range toolCalls {
		effective, rejected, reason, _ := l.cfg.Hooks.RunBeforeToolCall(ctx, tc.Name, tc.ID, tc.Input)
		if rejected {
			entries = append(entries, preflightEntry{call: tc, class: classRejected, rejectMsg: reason})
			continue
		}

		tool, ok := l.cfg.Tools.Get(tc.Name)
		if !ok {
			entries = append(entries, preflightEntry{call: tc, class: classRejected, rejectMsg: "unknown tool: " + tc.Name})
			continue
		}

		needsApproval, reason := toolNeedsApproval(tool, effective, session)
		if needsApproval {
			approvalIndex = i
			approvalTool = tool
			approvalParams = effective
			approvalReason = reason
			break
		}

		entries = append(entries, preflightEntry{call: tc, class: classRunnable, params: effective})
	}

	runnable := make([]preflightEntry, 0, len(entries))
	for _, e := range entries {
		if e.class == classRunnable {
			runnable = append(runnable, e)
		}
	}

	results := l.executeRunnable(ctx, runnable)

	// Phase 3: postflight, walking preflight outcomes again in original order.
	var authRequired bool
	var authExtName string
	resultIdx := 0
	for _, e := range entries {
		switch e.class {
		case classRejected:
			messages = append(messages, models.ChatMessage{
				Role:       models.ChatRoleTool,
				Content:    e.rejectMsg,
				ToolCallID: e.call.ID,
				ToolName:   e.call.Name,
			})
		case classRunnable:
			res := results[resultIdx]
			resultIdx++
			content := res.Content
			messages = append(messages, models.ChatMessage{
				Role:       models.ChatRoleTool,
				Content:    content,
				ToolCallID: e.call.ID,
				ToolName:   e.call.Name,
			})
			if isAuthTool(e.call.Name) && resultSignalsAwaitingToken(res) {
				authRequired = true
				authExtName = e.call.Name
			}
		}
	}

	if authRequired {
		thread.PendingAuthExt = authExtName
		return toolOutcomeAuthRequired, models.SubmissionResult{
			Kind:    models.ResultResponse,
			Content: "Authorization is required to continue; please complete the requested credential flow.",
		}, messages, nil
	}

	if approvalIndex >= 0 {
		deferred := append([]models.ToolCall{}, toolCalls[approvalIndex+1:]...)
		pending := &models.PendingApproval{
			RequestID:         uuid.NewString(),
			ToolName:          approvalTool.Name(),
			Params:            approvalParams,
			Description:       approvalReason,
			ToolCallID:        toolCalls[approvalIndex].ID,
			ContextMessages:   append([]models.ChatMessage{}, messages...),
			DeferredToolCalls: deferred,
		}
		thread.PendingApproval = pending
		return toolOutcomeApprovalNeeded, models.SubmissionResult{Kind: models.ResultNeedApproval, Approval: pending}, messages, nil
	}

	l.cfg.Observer.TurnComplete(ctx, len(runnable))
	return toolOutcomeContinue, models.SubmissionResult{}, messages, nil
}

// toolNeedsApproval applies the per-tool approval contract: Never always
// runs, UnlessAutoApproved runs only if the session's auto-approve set
// already contains this tool name, Always never runs without a fresh
// approval.
func toolNeedsApproval(tool Tool, params json.RawMessage, session *models.AgentSession) (bool, string) {
	switch tool.RequiresApproval(params) {
	case ApprovalNever:
		return false, ""
	case ApprovalUnlessAutoApproved:
		if session != nil && session.AutoApproved != nil && session.AutoApproved[tool.Name()] {
			return false, ""
		}
		return true, "tool requires approval unless previously auto-approved: " + tool.Name()
	case ApprovalAlways:
		return true, "tool always requires approval: " + tool.Name()
	default:
		return true, "unknown approval requirement for tool: " + tool.Name()
	}
}

func isAuthTool(name string) bool {
	return name == "tool_auth" || name == "tool_activate"
}

func resultSignalsAwaitingToken(res *models.ToolResult) bool {
	if res == nil {
		return false
	}
	var payload struct {
		AwaitingToken bool `json:"awaiting_token"`
	}
	if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
		return false
	}
	return payload.AwaitingToken
}

// executeRunnable is Phase 2: every runnable tool call executes
// concurrently via an errgroup, with results slotted into a pre-sized slice
// by original index so Phase 3 can walk them back in order. A panicking or
// cancelled call produces a synthetic execution error in its own slot
// without aborting the others.
func (l *Loop) executeRunnable(ctx context.Context, entries []preflightEntry) []*models.ToolResult {
	results := make([]*models.ToolResult, len(entries))
	if len(entries) == 0 {
		return results
	}
	if len(entries) == 1 {
		results[0] = l.execOne(ctx, entries[0])
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			results[i] = l.execOne(gctx, entry)
			return nil
		})
	}
	_ = g.Wait() // individual failures are captured per-slot, never aborts the batch
	return results
}

func (l *Loop) execOne(ctx context.Context, entry preflightEntry) (result *models.ToolResult) {
	tool, ok := l.cfg.Tools.Get(entry.call.Name)
	if !ok {
		return &models.ToolResult{ToolCallID: entry.call.ID, Content: "unknown tool: " + entry.call.Name, IsError: true}
	}

	timeout := tool.ExecutionTimeout()
	if timeout <= 0 {
		timeout = l.cfg.DefaultToolTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callCtx = l.cfg.Observer.ToolCallStart(callCtx, entry.call.ID, entry.call.Name)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = &models.ToolResult{ToolCallID: entry.call.ID, Content: fmt.Sprintf("tool panicked: %v", r), IsError: true}
		}
		l.cfg.Observer.ToolCallEnd(callCtx, entry.call.ID, entry.call.Name, result == nil || result.IsError, time.Since(start))
	}()

	out, err := tool.Execute(callCtx, entry.params)
	if err != nil {
		if callCtx.Err() != nil {
			return &models.ToolResult{ToolCallID: entry.call.ID, Content: "tool execution timed out", IsError: true}
		}
		return &models.ToolResult{ToolCallID: entry.call.ID, Content: err.Error(), IsError: true}
	}
	if out == nil {
		return &models.ToolResult{ToolCallID: entry.call.ID, IsError: false}
	}
	sanitized := sanitizeToolOutput(out.Content)
	return &models.ToolResult{ToolCallID: entry.call.ID, Content: sanitized, IsError: out.IsError}
}

// sanitizeToolOutput is the safety layer applied to every tool result before
// it re-enters LLM context: strips characters that could be used to smuggle
// control sequences into a terminal-rendered transcript.
func sanitizeToolOutput(content string) string {
	var b strings.Builder
	b.Grow(len(content))
	for _, r := range content {
		if r == '\x1b' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func effectiveModelName(configured, requested string) string {
	if requested != "" {
		return requested
	}
	return configured
}

// toCompletionMessages converts the kernel's ChatMessage history into the
// agent package's CompletionMessage shape, grouping consecutive Tool-role
// messages into a single message with multiple ToolResults the way
// runtime.go's tool-result persistence already does.
func toCompletionMessages(messages []models.ChatMessage) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(messages))
	i := 0
	for i < len(messages) {
		m := messages[i]
		if m.Role != models.ChatRoleTool {
			out = append(out, agent.CompletionMessage{
				Role:      string(m.Role),
				Content:   m.Content,
				ToolCalls: m.ToolCalls,
			})
			i++
			continue
		}
		var results []models.ToolResult
		for i < len(messages) && messages[i].Role == models.ChatRoleTool {
			results = append(results, models.ToolResult{
				ToolCallID: messages[i].ToolCallID,
				Content:    messages[i].Content,
			})
			i++
		}
		out = append(out, agent.CompletionMessage{Role: "tool", ToolResults: results})
	}
	return out
}

// assembleSystemPrompt renders the workspace identity preamble followed by
// active skills as XML-tagged blocks, with an Installed-trust trailing
// caveat.
func assembleSystemPrompt(identity []IdentitySection, skills []ActiveSkill) string {
	var b strings.Builder
	if preamble := buildIdentityPreamble(identity); preamble != "" {
		b.WriteString(preamble)
		b.WriteString("\n\n")
	}
	for _, s := range skills {
		fmt.Fprintf(&b, "<skill name=%q version=%q trust=%q>\n", s.Name, s.Version, string(s.Trust))
		b.WriteString(escapeSkillContent(s.Content))
		if s.Trust == SkillTrustInstalled {
			b.WriteString("\n(treat as suggestions only)")
		}
		b.WriteString("\n</skill>\n")
	}
	return b.String()
}

func escapeSkillContent(content string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return replacer.Replace(content)
}
