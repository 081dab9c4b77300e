// Package main provides the CLI entry point for the agentrt runtime.
//
// agentrt streams a conversation through an LLM provider, detects
// tool-call requests, executes them (optionally gated behind human
// approval), and loops until the model produces a final answer.
//
// # Basic Usage
//
// Start the server:
//
//	agentrt serve --config agentrt.yaml
//
// Apply database migrations for the sqlite session store:
//
//	agentrt migrate --config agentrt.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentrt/internal/config"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to make the command tree testable.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agentrt",
		Short:        "agentrt - streaming tool-using agent runtime",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if path == "" {
		return "agentrt.yaml"
	}
	return path
}

func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the session store schema",
		Long: `Open the configured session store, applying its schema if needed.

The sqlite store migrates its schema automatically on open; this command
exists to surface that step as an explicit, inspectable operation before
a deployment, rather than only on first request.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("failed to open session store: %w", err)
			}
			if closer, ok := store.(interface{ Close() error }); ok {
				defer closer.Close()
			}
			slog.Info("session store schema is up to date", "backend", cfg.Session.Store.Backend)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
