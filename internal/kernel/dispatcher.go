package kernel

import (
	"encoding/json"
	"strings"

	"github.com/threadkiln/threadkiln/internal/commands"
	"github.com/threadkiln/threadkiln/pkg/models"
)

// controlCommandKinds maps a control command's parsed name (as recognized by
// commands.Parser) to its SubmissionKind. Anything not in this table but
// still detected as a control command by the parser's registry falls
// through to SubmissionSystemCommand, carrying the raw name through.
var controlCommandKinds = map[string]models.SubmissionKind{
	"undo":      models.SubmissionUndo,
	"redo":      models.SubmissionRedo,
	"interrupt": models.SubmissionInterrupt,
	"stop":      models.SubmissionInterrupt,
	"compact":   models.SubmissionCompact,
	"clear":     models.SubmissionClear,
	"new":       models.SubmissionNewThread,
	"thread":    models.SubmissionSwitchThread,
	"resume":    models.SubmissionResume,
	"heartbeat": models.SubmissionHeartbeat,
	"summarize": models.SubmissionSummarize,
	"suggest":   models.SubmissionSuggest,
	"quit":      models.SubmissionQuit,
	"exit":      models.SubmissionQuit,
}

// execApprovalPayload is the JSON shape an exec_approval submission sniffs
// for before falling back to plain user input.
type execApprovalPayload struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Always    bool   `json:"always"`
}

// Dispatcher (C3) turns raw inbound text into a closed Submission, reusing
// internal/commands.Parser for at-start slash-command detection the same
// way the teacher's gateway layer already does.
type Dispatcher struct {
	parser *commands.Parser
}

// NewDispatcher wraps a command parser (nil is fine: every message is then
// treated as plain user input unless it JSON-sniffs as an exec_approval).
func NewDispatcher(parser *commands.Parser) *Dispatcher {
	return &Dispatcher{parser: parser}
}

// Parse classifies one piece of inbound text into a Submission. It never
// inspects thread state - the PendingAuth pre-dispatch rule lives in
// ApplyPendingAuth, which callers run on the result before acting on it.
func (d *Dispatcher) Parse(content string) models.Submission {
	trimmed := strings.TrimSpace(content)

	if payload, ok := sniffExecApproval(trimmed); ok {
		return models.Submission{
			Kind:      models.SubmissionExecApproval,
			RequestID: payload.RequestID,
			Approved:  payload.Approved,
			Always:    payload.Always,
		}
	}

	if d.parser != nil {
		det := d.parser.Parse(trimmed)
		if det.HasCommand && det.IsControlCommand && det.Primary != nil {
			name := det.Primary.Name
			args := splitArgs(det.Primary.Args)
			if kind, ok := controlCommandKinds[name]; ok {
				switch kind {
				case models.SubmissionSwitchThread:
					threadID := ""
					if len(args) > 0 {
						threadID = args[0]
					}
					return models.Submission{Kind: kind, ThreadID: threadID}
				case models.SubmissionResume:
					checkpoint := ""
					if len(args) > 0 {
						checkpoint = args[0]
					}
					return models.Submission{Kind: kind, Checkpoint: checkpoint}
				default:
					return models.Submission{Kind: kind, Name: name, Args: args, Content: det.Primary.Args}
				}
			}
			return models.Submission{Kind: models.SubmissionSystemCommand, Name: name, Args: args, Content: det.Primary.Args}
		}
	}

	return models.Submission{Kind: models.SubmissionUserInput, Content: trimmed}
}

// ApplyPendingAuth implements the PendingAuth pre-dispatch hook: when a
// thread is waiting on an external credential flow, plain user input is
// redirected to the credential store rather than entering the agentic loop
// as a normal turn; any control submission instead clears auth mode so the
// user isn't stuck unable to issue /interrupt or /new. It returns the
// (possibly reinterpreted) submission and whether the thread's pending auth
// mode should now be cleared.
func (d *Dispatcher) ApplyPendingAuth(thread *models.Thread, sub models.Submission) (models.Submission, bool) {
	if thread.PendingAuthExt == "" {
		return sub, false
	}
	if sub.IsUserFacingControl() {
		return sub, true
	}
	// Plain user input while pending auth: reinterpret as credential input
	// bound to the extension awaiting it, rather than a conversational turn.
	return models.Submission{
		Kind:    models.SubmissionUserInput,
		Content: sub.Content,
		Name:    thread.PendingAuthExt,
	}, false
}

func sniffExecApproval(trimmed string) (execApprovalPayload, bool) {
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return execApprovalPayload{}, false
	}
	var payload execApprovalPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return execApprovalPayload{}, false
	}
	if payload.RequestID == "" {
		return execApprovalPayload{}, false
	}
	return payload, true
}

func splitArgs(args string) []string {
	args = strings.TrimSpace(args)
	if args == "" {
		return nil
	}
	return strings.Fields(args)
}
