package wasmhost

import (
	"context"
	"testing"
	"time"
)

func TestConfigSanitizedDefaults(t *testing.T) {
	c := Config{}.sanitized()
	if c.ScratchDirBase == "" {
		t.Error("expected a default scratch dir base")
	}
	if c.CallTimeout != 10*time.Second {
		t.Errorf("CallTimeout = %v, want 10s", c.CallTimeout)
	}
}

func TestConfigSanitizedPreservesExplicitValues(t *testing.T) {
	c := Config{ScratchDirBase: "/tmp/custom", CallTimeout: 2 * time.Second}.sanitized()
	if c.ScratchDirBase != "/tmp/custom" {
		t.Errorf("ScratchDirBase = %q, want /tmp/custom", c.ScratchDirBase)
	}
	if c.CallTimeout != 2*time.Second {
		t.Errorf("CallTimeout = %v, want 2s", c.CallTimeout)
	}
}

func TestInvokeUnknownModuleErrors(t *testing.T) {
	ctx := context.Background()
	h, err := NewHost(ctx, Config{CallTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close(ctx)

	if _, err := h.invoke(ctx, "not-loaded", []byte("{}")); err == nil {
		t.Error("expected invoking an unloaded module to fail")
	}
}

func TestInvokeJSONUnknownModuleErrors(t *testing.T) {
	ctx := context.Background()
	h, err := NewHost(ctx, Config{})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close(ctx)

	var out map[string]any
	if err := h.InvokeJSON(ctx, "missing", map[string]string{"a": "b"}, &out); err == nil {
		t.Error("expected InvokeJSON against an unloaded module to fail")
	}
}

func TestUnloadMissingModuleIsNoop(t *testing.T) {
	ctx := context.Background()
	h, err := NewHost(ctx, Config{})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	defer h.Close(ctx)

	h.Unload(ctx, "never-registered")
}
