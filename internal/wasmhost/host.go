// Package wasmhost hosts capability-limited WebAssembly modules: sandboxed
// channel modules invoked by internal/webhookrouter, and sandboxed tool
// modules invoked as internal/agent.Tool implementations. Both run under
// wazero with no filesystem access beyond a per-call scratch directory, no
// network, and a per-call context deadline standing in for wasmtime's fuel
// limit (wazero has no equivalent fuel knob - see DESIGN.md).
package wasmhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Config configures a Host.
type Config struct {
	// ScratchDirBase is the parent directory each call gets an isolated,
	// auto-removed scratch subdirectory under. Matches spec.md's
	// configurable base directory ("tools/", "channels/" live alongside it).
	ScratchDirBase string
	// CallTimeout bounds a single module invocation.
	CallTimeout time.Duration
}

func (c Config) sanitized() Config {
	if c.ScratchDirBase == "" {
		c.ScratchDirBase = os.TempDir()
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// Host compiles and invokes WASM modules under wazero, caching compiled
// modules by name and instantiating a fresh isolated instance per call so
// concurrent invocations of the same module never share memory.
type Host struct {
	cfg     Config
	runtime wazero.Runtime

	mu      sync.RWMutex
	modules map[string]wazero.CompiledModule
}

// NewHost creates a Host. The caller owns the returned Host's lifetime and
// must call Close to release the underlying wazero runtime.
func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	cfg = cfg.sanitized()
	runtime := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	return &Host{cfg: cfg, runtime: runtime, modules: make(map[string]wazero.CompiledModule)}, nil
}

// LoadModule compiles wasmBytes and registers it under name, replacing any
// prior module registered with that name.
func (h *Host) LoadModule(ctx context.Context, name string, wasmBytes []byte) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile module %s: %w", name, err)
	}
	h.mu.Lock()
	prior, had := h.modules[name]
	h.modules[name] = compiled
	h.mu.Unlock()
	if had {
		_ = prior.Close(ctx)
	}
	return nil
}

// Unload removes a registered module and releases its compiled form.
func (h *Host) Unload(ctx context.Context, name string) {
	h.mu.Lock()
	compiled, ok := h.modules[name]
	delete(h.modules, name)
	h.mu.Unlock()
	if ok {
		_ = compiled.Close(ctx)
	}
}

// Close releases the wazero runtime and every compiled module.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// invoke runs one isolated instance of the named module, writing input to
// its stdin and returning everything written to stdout. Each call gets its
// own scratch directory (mounted read-write, nothing else visible) and is
// bounded by cfg.CallTimeout, standing in for a fuel limit.
func (h *Host) invoke(ctx context.Context, name string, input []byte) ([]byte, error) {
	h.mu.RLock()
	compiled, ok := h.modules[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wasmhost: module %s not loaded", name)
	}

	callCtx, cancel := context.WithTimeout(ctx, h.cfg.CallTimeout)
	defer cancel()

	scratch := filepath.Join(h.cfg.ScratchDirBase, "wasmcall-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(scratch, "/scratch")).
		WithName(name + "-" + uuid.NewString())

	mod, err := h.runtime.InstantiateModule(callCtx, compiled, modCfg)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, fmt.Errorf("wasmhost: module %s timed out: %w", name, callCtx.Err())
		}
		return nil, fmt.Errorf("wasmhost: module %s exited: %w (stderr: %s)", name, err, stderr.String())
	}
	defer mod.Close(callCtx)

	return stdout.Bytes(), nil
}

// InvokeJSON marshals req, invokes the named module, and unmarshals its
// stdout into resp. Modules are expected to read one JSON document from
// stdin and write exactly one JSON document to stdout.
func (h *Host) InvokeJSON(ctx context.Context, name string, req any, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	out, err := h.invoke(ctx, name, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("unmarshal module %s response: %w", name, err)
	}
	return nil
}
