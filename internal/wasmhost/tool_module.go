package wasmhost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/threadkiln/threadkiln/internal/agent"
)

// toolInvocation is what a WASM tool module reads from stdin.
type toolInvocation struct {
	Params json.RawMessage `json:"params"`
}

// toolOutput is what a WASM tool module writes to stdout.
type toolOutput struct {
	Content   string           `json:"content"`
	IsError   bool             `json:"is_error,omitempty"`
	Artifacts []agent.Artifact `json:"artifacts,omitempty"`
}

// Manifest describes a WASM tool module's LLM-facing contract, normally
// read from a sidecar file next to the module under the configured
// tools/ directory (spec.md's "tools/ (installed WASM tool modules)").
type Manifest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ToolAdapter implements internal/agent.Tool by invoking a loaded WASM tool
// module per call, with a per-call timeout and scratch-dir-only filesystem
// access enforced by the underlying Host.
type ToolAdapter struct {
	host       *Host
	moduleName string
	manifest   Manifest
}

// NewToolAdapter wraps an already-loaded module as an agent.Tool.
func NewToolAdapter(host *Host, moduleName string, manifest Manifest) *ToolAdapter {
	return &ToolAdapter{host: host, moduleName: moduleName, manifest: manifest}
}

func (a *ToolAdapter) Name() string           { return a.manifest.Name }
func (a *ToolAdapter) Description() string    { return a.manifest.Description }
func (a *ToolAdapter) Schema() json.RawMessage { return a.manifest.Schema }

// Execute implements agent.Tool.
func (a *ToolAdapter) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var out toolOutput
	if err := a.host.InvokeJSON(ctx, a.moduleName, toolInvocation{Params: params}, &out); err != nil {
		return nil, fmt.Errorf("tool module %s: %w", a.moduleName, err)
	}
	return &agent.ToolResult{
		Content:   out.Content,
		IsError:   out.IsError,
		Artifacts: out.Artifacts,
	}, nil
}
