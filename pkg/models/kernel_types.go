package models

import (
	"encoding/json"
	"time"
)

// Additional channel types beyond the teacher's original three. WASM channel
// plugins register their own names dynamically (see internal/wasmhost) and
// are not enumerated here; these constants cover the built-in channels.
const (
	ChannelTerminal     ChannelType = "terminal"
	ChannelHTTPWebhook  ChannelType = "http_webhook"
	ChannelGatewayWS    ChannelType = "gateway_ws"
	ChannelWhatsApp     ChannelType = "whatsapp"
	ChannelMattermost   ChannelType = "mattermost"
)

// IncomingMessage is the normalized shape every channel adapter produces
// before it reaches the session manager and submission dispatcher.
type IncomingMessage struct {
	ID             string
	Channel        ChannelType
	UserID         string
	UserName       string
	ExternalThread string
	Content        string
	ReceivedAt     time.Time
	Metadata       map[string]any
}

// SubmissionKind tags the closed set of Submission variants.
type SubmissionKind string

const (
	SubmissionUserInput      SubmissionKind = "user_input"
	SubmissionSystemCommand  SubmissionKind = "system_command"
	SubmissionUndo           SubmissionKind = "undo"
	SubmissionRedo           SubmissionKind = "redo"
	SubmissionInterrupt      SubmissionKind = "interrupt"
	SubmissionCompact        SubmissionKind = "compact"
	SubmissionClear          SubmissionKind = "clear"
	SubmissionNewThread      SubmissionKind = "new_thread"
	SubmissionSwitchThread   SubmissionKind = "switch_thread"
	SubmissionResume         SubmissionKind = "resume"
	SubmissionHeartbeat      SubmissionKind = "heartbeat"
	SubmissionSummarize      SubmissionKind = "summarize"
	SubmissionSuggest        SubmissionKind = "suggest"
	SubmissionQuit           SubmissionKind = "quit"
	SubmissionExecApproval   SubmissionKind = "exec_approval"
	SubmissionApprovalReply  SubmissionKind = "approval_response"
)

// Submission is a closed tagged union over everything a channel message can
// resolve to once dispatched. Only the fields relevant to Kind are populated;
// callers must switch on Kind rather than probe fields.
type Submission struct {
	Kind SubmissionKind

	// UserInput / SystemCommand
	Content string
	Name    string
	Args    []string

	// SwitchThread
	ThreadID string

	// Resume
	Checkpoint string

	// ExecApproval
	RequestID string
	Approved  bool
	Always    bool
}

// IsUserFacingControl reports whether this submission is anything other than
// plain user input — used by the PendingAuth pre-dispatch hook, which clears
// auth mode on any control submission.
func (s Submission) IsUserFacingControl() bool {
	return s.Kind != SubmissionUserInput
}

// SubmissionResultKind tags the closed set of SubmissionResult variants.
type SubmissionResultKind string

const (
	ResultResponse      SubmissionResultKind = "response"
	ResultOk            SubmissionResultKind = "ok"
	ResultError         SubmissionResultKind = "error"
	ResultInterrupted   SubmissionResultKind = "interrupted"
	ResultNeedApproval  SubmissionResultKind = "need_approval"
)

// SubmissionResult is the outcome of dispatching+running a Submission.
type SubmissionResult struct {
	Kind     SubmissionResultKind
	Content  string
	Message  string
	Approval *PendingApproval
}

// ThreadState enumerates the lifecycle states of a Thread.
type ThreadState string

const (
	ThreadIdle        ThreadState = "idle"
	ThreadRunning     ThreadState = "running"
	ThreadInterrupted ThreadState = "interrupted"
)

// ChatRole enumerates ChatMessage roles.
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleTool      ChatRole = "tool"
)

// ChatMessage is the normalized message shape the agentic loop accumulates
// and replays into LLM requests. It is distinct from pkg/models.Message
// (the storage-layer record): ChatMessage is the in-flight wire-adjacent
// shape used for context packing, compaction, and PendingApproval snapshots.
type ChatMessage struct {
	Role       ChatRole
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// ToolInvocation records one tool call made during a Turn, including its
// eventual result or error once Phase 3 completes.
type ToolInvocation struct {
	Name     string
	Args     json.RawMessage
	Result   *ToolResult
	Error    string
}

// Turn is one user-input/assistant-response cycle within a Thread.
type Turn struct {
	Number      int
	UserInput   string
	Response    string
	StartedAt   time.Time
	CompletedAt time.Time
	Tools       []ToolInvocation
}

// PendingApproval captures the agentic loop's paused state when a tool call
// requires human approval mid-batch. DeferredToolCalls holds every tool call
// at an index strictly greater than the one that triggered approval, in
// their original order, so resuming can re-run them unmodified.
type PendingApproval struct {
	RequestID         string
	ToolName          string
	Params            json.RawMessage
	Description       string
	ToolCallID        string
	ContextMessages   []ChatMessage
	DeferredToolCalls []ToolCall
}

// Thread is one resolvable conversation history within a Session.
type Thread struct {
	ID               string
	State            ThreadState
	Turns            []Turn
	PendingAuthExt   string
	PendingApproval  *PendingApproval
	ExternalThreadID string
	OwnerUserID      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AgentSession is the kernel-level session record: a map of threads owned by
// one user, with one active thread, an auto-approved tool allow-set, and a
// last-activity timestamp used by the idle-sweep in the session manager.
//
// This is distinct from pkg/models.Session, which remains the flat
// channel-keyed storage record the rest of the tree already depends on;
// AgentSession composes on top of it rather than replacing it.
type AgentSession struct {
	UserID         string
	Threads        map[string]*Thread
	ActiveThreadID string
	AutoApproved   map[string]bool
	LastActivity   time.Time
}

// StatusUpdateKind tags the closed StatusUpdate sum type emitted by the
// channel manager while the loop runs.
type StatusUpdateKind string

const (
	StatusThinking       StatusUpdateKind = "thinking"
	StatusToolStarted    StatusUpdateKind = "tool_started"
	StatusToolCompleted  StatusUpdateKind = "tool_completed"
	StatusToolResult     StatusUpdateKind = "tool_result"
	StatusApprovalNeeded StatusUpdateKind = "approval_needed"
	StatusAuthRequired   StatusUpdateKind = "auth_required"
)

// StatusUpdate is a transient progress signal sent to a channel while a turn
// is in flight. It is never persisted as part of thread history.
type StatusUpdate struct {
	Kind        StatusUpdateKind
	ToolName    string
	ToolCallID  string
	Preview     string
	Description string
	ExtName     string
	Metadata    map[string]any
}

// WebhookAckToken keys one outstanding "has this inbound message been
// persisted yet" wait used by the webhook router's ack-before-200 contract.
type WebhookAckToken struct {
	Key        string
	Registered time.Time
}

// DedupRecord is the dedup store's record of one already-seen inbound
// webhook message, keyed by Channel+ExternalMessageID.
type DedupRecord struct {
	Channel           string
	ExternalMessageID string
	FirstSeen         time.Time
}
