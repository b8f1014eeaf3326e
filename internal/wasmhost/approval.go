package wasmhost

import (
	"context"
	"encoding/json"

	"github.com/tetratelabs/wazero/api"
)

// ApprovalPrompt is invoked synchronously when a WASM tool module calls the
// host's request_approval function mid-execution (e.g. to ask for
// fine-grained confirmation of a sub-action, distinct from the kernel's own
// pre-execution PendingApproval gate). It blocks the calling module instance
// until a verdict is available, mirroring the two-phase
// ack-then-response wait in the codefionn-scriptschnell web broker's
// handleAuthorization, collapsed here into one synchronous call since a
// wazero host function call already blocks its single guest goroutine.
type ApprovalPrompt func(ctx context.Context, toolName string, params json.RawMessage, reason string) (approved bool, err error)

type approvalRequest struct {
	ToolName string          `json:"tool_name"`
	Params   json.RawMessage `json:"params"`
	Reason   string          `json:"reason"`
}

// WithApprovalHost registers a host module named "env" exporting
// request_approval(ptr, len) -> i32, so loaded WASM tool modules can prompt
// for approval of a sub-action mid-execution. Safe to call once per Host;
// every module instantiated afterward can import it.
func (h *Host) WithApprovalHost(ctx context.Context, prompt ApprovalPrompt) error {
	_, err := h.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
			raw, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return 0
			}
			var req approvalRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0
			}
			approved, err := prompt(ctx, req.ToolName, req.Params, req.Reason)
			if err != nil || !approved {
				return 0
			}
			return 1
		}).
		Export("request_approval").
		Instantiate(ctx)
	return err
}
