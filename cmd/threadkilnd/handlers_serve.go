package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/threadkiln/threadkiln/internal/agent"
	"github.com/threadkiln/threadkiln/internal/agent/providers"
	"github.com/threadkiln/threadkiln/internal/channels"
	"github.com/threadkiln/threadkiln/internal/commands"
	"github.com/threadkiln/threadkiln/internal/config"
	"github.com/threadkiln/threadkiln/internal/kernel"
	"github.com/threadkiln/threadkiln/internal/wasmhost"
	"github.com/threadkiln/threadkiln/internal/webhookrouter"
	"github.com/threadkiln/threadkiln/pkg/models"
	"github.com/spf13/cobra"
)

// gatewayApp owns every long-lived component runServe wires together, and
// is the bridge between the dedup/ACK webhook protocol (which needs a
// webhookrouter.Dispatcher) and the kernel's own agentic loop.
type gatewayApp struct {
	sessions   *kernel.SessionManager
	channels   *kernel.ChannelManager
	dispatcher *kernel.Dispatcher
	loop       *kernel.Loop
	logger     *slog.Logger
}

// Dispatch implements webhookrouter.Dispatcher: one inbound message, fully
// processed end to end - session/thread resolution, submission parsing,
// one agentic-loop turn, and the reply sent back out over the owning
// channel's outbound adapter.
func (a *gatewayApp) Dispatch(ctx context.Context, msg models.IncomingMessage) error {
	sess := a.sessions.GetOrCreateSession(ctx, msg.UserID)
	thread, ok := a.sessions.ResolveThread(ctx, sess, msg.ExternalThread)
	if !ok {
		thread = a.sessions.NewThread(ctx, sess)
		thread.ExternalThreadID = msg.ExternalThread
	}

	submission := a.dispatcher.Parse(msg.Content)
	if submission.Kind != models.SubmissionUserInput {
		// Control commands (undo/compact/clear/...) are handled by the
		// loop's own preflight; plain text is the common case here.
		submission.Content = msg.Content
	}

	isGroupChat := msg.Metadata != nil && msg.Metadata["is_group_chat"] == true
	result, err := a.loop.Run(ctx, thread, sess, nil, submission.Content, isGroupChat)
	if err != nil {
		return fmt.Errorf("loop run: %w", err)
	}
	if result.Content == "" {
		return nil
	}
	return a.channels.Respond(ctx, msg.Channel, msg.ExternalThread, result.Content)
}

// runServe implements the serve command: load config, wire the kernel loop
// and WASM sandbox host to the native channel registry and webhook router,
// and serve both until interrupted.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	logger := slog.Default()

	logger.Info("starting threadkilnd gateway", "version", version, "commit", commit, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to init LLM provider: %w", err)
	}

	registry := channels.NewRegistry()
	wsAdapter := kernel.NewGatewayWSAdapter(logger)
	registry.Register(wsAdapter)
	channelManager := kernel.NewChannelManager(registry, logger)
	sessionManager := kernel.NewSessionManager(kernel.SessionManagerConfig{Logger: logger})
	dispatcher := kernel.NewDispatcher(commands.NewParser(commands.NewRegistry(logger)))

	loop := kernel.NewLoop(kernel.LoopConfig{
		Provider:     provider,
		Tools:        kernel.NewToolRegistry(),
		Hooks:        kernel.NewHookRegistry(),
		DefaultModel: cfg.LLM.Providers[cfg.LLM.DefaultProvider].DefaultModel,
	})

	app := &gatewayApp{
		sessions:   sessionManager,
		channels:   channelManager,
		dispatcher: dispatcher,
		loop:       loop,
		logger:     logger,
	}

	host, err := wasmhost.NewHost(ctx, wasmhost.Config{})
	if err != nil {
		return fmt.Errorf("failed to init wasm host: %w", err)
	}
	defer host.Close(context.Background())

	router := webhookrouter.NewRouter(webhookrouter.RouterConfig{
		Dispatcher: app,
		Logger:     logger,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go sessionManager.RunSweepLoop(sweepCtx)
	go router.RunCleanupLoop(sweepCtx, 5*time.Minute)
	go func() {
		for msg := range channelManager.Inbound(sweepCtx) {
			if err := app.Dispatch(sweepCtx, msg); err != nil {
				logger.Warn("inbound dispatch failed", "channel", msg.Channel, "error", err)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", wsAdapter)
	mux.Handle("/", router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhook gateway listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("webhook gateway failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown failed: %w", err)
	}
	if err := channelManager.ShutdownAll(shutdownCtx); err != nil {
		logger.Warn("channel shutdown reported errors", "error", err)
	}

	logger.Info("threadkilnd gateway stopped gracefully")
	return nil
}

// buildProvider constructs the configured default LLM provider, wrapping it
// in a FailoverOrchestrator over cfg.LLM.FallbackChain when one is set.
func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	name := cfg.LLM.DefaultProvider
	if name == "" {
		name = "anthropic"
	}

	primary, err := buildNamedProvider(name, cfg.LLM.Providers[name])
	if err != nil {
		return nil, fmt.Errorf("default provider %q: %w", name, err)
	}
	if len(cfg.LLM.FallbackChain) == 0 {
		return primary, nil
	}

	orchestrator := agent.NewFailoverOrchestrator(primary, agent.DefaultFailoverConfig())
	for _, fallbackName := range cfg.LLM.FallbackChain {
		if fallbackName == name {
			continue
		}
		fallback, err := buildNamedProvider(fallbackName, cfg.LLM.Providers[fallbackName])
		if err != nil {
			return nil, fmt.Errorf("fallback provider %q: %w", fallbackName, err)
		}
		orchestrator.AddProvider(fallback)
	}
	return orchestrator, nil
}

// buildNamedProvider constructs a single provider by name. Anthropic and
// OpenAI are wired here; additional providers register the same way.
func buildNamedProvider(name string, pc config.LLMProviderConfig) (agent.LLMProvider, error) {
	switch name {
	case "openai":
		return providers.NewOpenAIProvider(pc.APIKey), nil
	default:
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
	}
}

// runDoctor loads and validates configuration without starting the
// gateway, exiting non-zero on any load failure.
func runDoctor(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	fmt.Fprintf(out, "config OK: %s\n", configPath)
	fmt.Fprintf(out, "  server: %s:%d\n", cfg.Server.Host, cfg.Server.HTTPPort)
	fmt.Fprintf(out, "  llm provider: %s\n", cfg.LLM.DefaultProvider)
	fmt.Fprintf(out, "  database: %s\n", maskURL(cfg.Database.URL))
	if cfg.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	return nil
}

func maskURL(url string) string {
	if url == "" {
		return "(unset)"
	}
	return "[configured]"
}
