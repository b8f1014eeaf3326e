package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type failingProvider struct {
	name      string
	err       error
	callCount atomic.Int32
}

func (p *failingProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.callCount.Add(1)
	return nil, p.err
}

func (p *failingProvider) Name() string        { return p.name }
func (p *failingProvider) Models() []Model     { return nil }
func (p *failingProvider) SupportsTools() bool { return true }

type successProvider struct {
	name      string
	callCount atomic.Int32
}

func (p *successProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.callCount.Add(1)
	ch := make(chan *CompletionChunk, 1)
	ch <- &CompletionChunk{Text: "success", Done: true}
	close(ch)
	return ch, nil
}

func (p *successProvider) Name() string        { return p.name }
func (p *successProvider) Models() []Model     { return nil }
func (p *successProvider) SupportsTools() bool { return true }

type stubProvider struct{}

func (stubProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	ch := make(chan *CompletionChunk)
	close(ch)
	return ch, nil
}
func (stubProvider) Name() string        { return "stub" }
func (stubProvider) Models() []Model     { return nil }
func (stubProvider) SupportsTools() bool { return false }

func TestFailoverOrchestratorPrimarySuccess(t *testing.T) {
	primary := &successProvider{name: "primary"}
	secondary := &successProvider{name: "secondary"}

	orch := NewFailoverOrchestrator(primary, nil)
	orch.AddProvider(secondary)

	ch, err := orch.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for range ch {
	}

	if primary.callCount.Load() != 1 {
		t.Errorf("primary call count = %d, want 1", primary.callCount.Load())
	}
	if secondary.callCount.Load() != 0 {
		t.Errorf("secondary should not be called")
	}
}

func TestFailoverOrchestratorFailoverOnError(t *testing.T) {
	primary := &failingProvider{name: "primary", err: errors.New("billing: quota exceeded")}
	secondary := &successProvider{name: "secondary"}

	cfg := DefaultFailoverConfig()
	cfg.MaxRetries = 0

	orch := NewFailoverOrchestrator(primary, cfg)
	orch.AddProvider(secondary)

	ch, err := orch.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for range ch {
	}

	if secondary.callCount.Load() != 1 {
		t.Errorf("secondary should be called on failover")
	}
	if metrics := orch.Metrics(); metrics.TotalFailovers != 1 {
		t.Errorf("TotalFailovers = %d, want 1", metrics.TotalFailovers)
	}
}

func TestFailoverOrchestratorRetryOnTransientError(t *testing.T) {
	primary := &failingProvider{name: "primary", err: errors.New("rate limit exceeded")}

	cfg := DefaultFailoverConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond

	orch := NewFailoverOrchestrator(primary, cfg)

	if _, err := orch.Complete(context.Background(), &CompletionRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if primary.callCount.Load() != 3 {
		t.Errorf("call count = %d, want 3 (1 initial + 2 retries)", primary.callCount.Load())
	}
}

func TestFailoverOrchestratorNoRetryOnNonRetriable(t *testing.T) {
	primary := &failingProvider{name: "primary", err: errors.New("invalid request: missing field")}

	cfg := DefaultFailoverConfig()
	cfg.MaxRetries = 3

	orch := NewFailoverOrchestrator(primary, cfg)

	if _, err := orch.Complete(context.Background(), &CompletionRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if primary.callCount.Load() != 1 {
		t.Errorf("call count = %d, want 1 (no retry for invalid request)", primary.callCount.Load())
	}
}

func TestFailoverOrchestratorCircuitBreaker(t *testing.T) {
	primary := &failingProvider{name: "primary", err: errors.New("server error 500")}
	secondary := &successProvider{name: "secondary"}

	cfg := DefaultFailoverConfig()
	cfg.MaxRetries = 0
	cfg.CircuitBreakerThreshold = 2
	cfg.CircuitBreakerTimeout = 100 * time.Millisecond

	orch := NewFailoverOrchestrator(primary, cfg)
	orch.AddProvider(secondary)

	_, _ = orch.Complete(context.Background(), &CompletionRequest{})
	_, _ = orch.Complete(context.Background(), &CompletionRequest{})

	var primaryOpen bool
	for _, s := range orch.ProviderStates() {
		if s.Name == "primary" && s.CircuitOpen {
			primaryOpen = true
		}
	}
	if !primaryOpen {
		t.Error("circuit breaker should be open")
	}

	primary.callCount.Store(0)
	secondary.callCount.Store(0)
	_, _ = orch.Complete(context.Background(), &CompletionRequest{})
	if primary.callCount.Load() != 0 {
		t.Error("primary should be skipped when circuit is open")
	}
	if secondary.callCount.Load() != 1 {
		t.Error("secondary should be called")
	}

	time.Sleep(150 * time.Millisecond)
	primary.callCount.Store(0)
	_, _ = orch.Complete(context.Background(), &CompletionRequest{})
	if primary.callCount.Load() == 0 {
		t.Error("primary should be tried again after circuit timeout")
	}
}

func TestFailoverOrchestratorResetCircuitBreaker(t *testing.T) {
	primary := &failingProvider{name: "primary", err: errors.New("server error")}

	cfg := DefaultFailoverConfig()
	cfg.MaxRetries = 0
	cfg.CircuitBreakerThreshold = 1

	orch := NewFailoverOrchestrator(primary, cfg)
	_, _ = orch.Complete(context.Background(), &CompletionRequest{})
	orch.ResetCircuitBreaker("primary")

	for _, s := range orch.ProviderStates() {
		if s.Name == "primary" {
			if s.CircuitOpen {
				t.Error("circuit should be closed after reset")
			}
			if s.Failures != 0 {
				t.Errorf("failures = %d, want 0", s.Failures)
			}
		}
	}
}

func TestFailoverOrchestratorAllProvidersFail(t *testing.T) {
	primary := &failingProvider{name: "primary", err: errors.New("billing error")}
	secondary := &failingProvider{name: "secondary", err: errors.New("auth error")}

	cfg := DefaultFailoverConfig()
	cfg.MaxRetries = 0

	orch := NewFailoverOrchestrator(primary, cfg)
	orch.AddProvider(secondary)

	_, err := orch.Complete(context.Background(), &CompletionRequest{})
	if err == nil {
		t.Fatal("expected error when all providers fail")
	}
	if err.Error() != secondary.err.Error() {
		t.Errorf("error = %v, want %v", err, secondary.err)
	}
}

func TestFailoverOrchestratorContextCancellation(t *testing.T) {
	primary := &failingProvider{name: "primary", err: errors.New("rate limit")}

	cfg := DefaultFailoverConfig()
	cfg.MaxRetries = 5
	cfg.RetryBackoff = time.Second

	orch := NewFailoverOrchestrator(primary, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := orch.Complete(ctx, &CompletionRequest{}); err == nil {
		t.Fatal("expected error on context cancellation")
	}
	if primary.callCount.Load() > 2 {
		t.Errorf("should have stopped retrying, got %d calls", primary.callCount.Load())
	}
}

func TestFailoverOrchestratorName(t *testing.T) {
	orch := NewFailoverOrchestrator(&successProvider{name: "anthropic"}, nil)
	if name := orch.Name(); name != "failover:anthropic" {
		t.Errorf("Name() = %q, want failover:anthropic", name)
	}
}

func TestFailoverOrchestratorSupportsToolsMultipleProviders(t *testing.T) {
	orch := NewFailoverOrchestrator(stubProvider{}, nil)
	orch.AddProvider(&successProvider{name: "with-tools"})

	if !orch.SupportsTools() {
		t.Error("should return true if any provider supports tools")
	}
}
