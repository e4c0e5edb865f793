// Command drover is an agent harness: it drives an LLM step loop with
// workspace-confined tools, a JS sandbox, and async shell sessions, and can
// serve its tools or full sessions to other programs over stdio.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/finchley/drover/config"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var configPath string

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "drover",
		Short: "drover - LLM agent harness with sandboxed tools",
		Long: `Drover runs an agent loop against an LLM provider with a fixed set of
workspace-confined tools: file access, search, shell commands, a sandboxed
JS interpreter, and long-lived interactive shell sessions.

Modes:
  run   execute one prompt to completion in the terminal
  acp   serve interactive agent sessions over stdio
  mcp   expose the builtin tools to another agent over stdio`,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file (default ~/.drover/config.yaml)")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildACPCmd(),
		buildMCPCmd(),
		buildWorkerCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}

// loadConfig resolves file + env configuration and applies flag overrides.
func loadConfig(apply func(*config.Config)) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if apply != nil {
		apply(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
