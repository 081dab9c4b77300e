package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentrt/internal/agentloop"
	"github.com/haasonsaas/agentrt/internal/config"
	"github.com/haasonsaas/agentrt/internal/contextprep"
	"github.com/haasonsaas/agentrt/internal/llm"
	"github.com/haasonsaas/agentrt/internal/llm/providers"
	"github.com/haasonsaas/agentrt/internal/observability"
	"github.com/haasonsaas/agentrt/internal/sessions"
	"github.com/haasonsaas/agentrt/internal/toolcoord"
	"github.com/haasonsaas/agentrt/internal/transport"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent runtime's HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug-level logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := observability.NewLogger(cfg.Observability.Logging.ToLogConfig(debug))
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"llm_provider", cfg.LLM.DefaultProvider,
		"session_backend", cfg.Session.Store.Backend,
	)

	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build llm provider: %w", err)
	}
	if pc, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; ok && pc.RateLimit.Enabled {
		provider = llm.NewRateLimitedProvider(provider, pc.RateLimit.ToRateLimitConfig())
	}

	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(cfg.Observability.Tracing.ToTraceConfig())
	defer func() { _ = shutdownTracer(context.Background()) }()
	provider = observability.NewInstrumentedProvider(provider, metrics, tracer)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	registry := agentloop.NewRegistry(cfg.Session.ReapAfter)
	reaper, err := agentloop.NewReaper(registry, cfg.Session.ReapSchedule, logger)
	if err != nil {
		return fmt.Errorf("failed to build runner reaper: %w", err)
	}
	reaper.Start()
	defer reaper.Stop()

	tools := toolcoord.NewRegistry()
	checker := toolcoord.NewChecker(cfg.Approval.ToPolicy(), nil)
	executor := toolcoord.NewExecutor(tools, cfg.Executor.ToExecConfig())
	executor.SetTracer(tracer)

	loop := agentloop.New(agentloop.Config{
		Store:    store,
		Locker:   sessions.NewMapLocker(),
		Preparer: contextprep.New(logger),
		Provider: provider,
		Executor: executor,
		Checker:  checker,
		Registry: registry,
		Model:    cfg.LLM.DefaultModel,
		Budget:   cfg.Budget.ToModel(),
		Logger:   logger,
		Metrics:  metrics,
	})

	handler := transport.NewHandler(transport.Config{
		Loop:   loop,
		Store:  store,
		Logger: logger,
		Tracer: tracer,
	})

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	server := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agentrt server started", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutdown signal received, draining connections")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("agentrt server stopped gracefully")
	return nil
}

// buildProvider selects and constructs the configured default LLM
// provider adapter (C4).
func buildProvider(ctx context.Context, cfg *config.Config) (llm.Provider, error) {
	pc, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]
	if !ok {
		return nil, fmt.Errorf("no provider configuration for %q", cfg.LLM.DefaultProvider)
	}
	switch cfg.LLM.DefaultProvider {
	case "anthropic":
		return providers.NewAnthropicProvider(pc.APIKey), nil
	case "openai":
		return providers.NewOpenAIProvider(pc.APIKey), nil
	case "bedrock":
		return providers.NewBedrockProvider(ctx, pc.Region, cfg.LLM.DefaultModel)
	case "gemini":
		return providers.NewGeminiProvider(ctx, pc.APIKey, cfg.LLM.DefaultModel)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.DefaultProvider)
	}
}

// openStore selects and opens the configured session store backend (C8).
func openStore(cfg *config.Config) (sessions.Store, error) {
	switch cfg.Session.Store.Backend {
	case "", "memory":
		return sessions.NewMemoryStore(), nil
	case "sqlite":
		return sessions.NewSQLiteStore(cfg.Session.Store.DSN)
	default:
		return nil, fmt.Errorf("unsupported session store backend %q", cfg.Session.Store.Backend)
	}
}
