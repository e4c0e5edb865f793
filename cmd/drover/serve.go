package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/finchley/drover/acp"
	"github.com/finchley/drover/config"
	"github.com/finchley/drover/harness"
	"github.com/finchley/drover/mcp"
)

func buildACPCmd() *cobra.Command {
	var (
		workspaceDir string
		allowExecute bool
		allowNetwork bool
		mcpConfig    string
	)
	cmd := &cobra.Command{
		Use:   "acp",
		Short: "Serve agent sessions over stdio",
		Long: `Speaks a line-delimited JSON-RPC session protocol on stdin/stdout:
initialize, session/new, session/load, session/list, session/fork,
session/prompt, session/cancel. Prompt progress streams back as
session/update notifications.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(c *config.Config) {
				if workspaceDir != "" {
					c.Workspace = workspaceDir
				}
				if allowExecute {
					c.AllowExecute = true
				}
				if allowNetwork {
					c.AllowNetwork = true
				}
				if mcpConfig != "" {
					c.MCPConfig = mcpConfig
				}
			})
			if err != nil {
				return err
			}
			logger := buildLogger(cfg.LogLevel)
			s, err := buildStack(cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			adapter := acp.NewAdapter(s.store, s, logger)
			return adapter.Serve(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVarP(&workspaceDir, "workspace", "w", "", "Directory file tools are confined to (default cwd)")
	cmd.Flags().BoolVar(&allowExecute, "allow-execute", false, "Enable shell and script execution tools")
	cmd.Flags().BoolVar(&allowNetwork, "allow-network", false, "Allow sandboxed scripts to use fetch")
	cmd.Flags().StringVar(&mcpConfig, "mcp-config", "", "JSON file declaring external tool servers")
	return cmd
}

func buildMCPCmd() *cobra.Command {
	var (
		workspaceDir string
		allowExecute bool
		allowNetwork bool
	)
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Expose the builtin tools to another agent over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(c *config.Config) {
				if workspaceDir != "" {
					c.Workspace = workspaceDir
				}
				if allowExecute {
					c.AllowExecute = true
				}
				if allowNetwork {
					c.AllowNetwork = true
				}
			})
			if err != nil {
				return err
			}
			logger := buildLogger(cfg.LogLevel)
			s, err := buildStack(cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			// Tool-server mode has no run loop, so the plan tool and event
			// stream are left out of the registry.
			registry := harness.NewRegistry()
			toolset := &harness.Toolset{
				Env:      s.env,
				Gate:     s.gate,
				Audit:    s.auditLog,
				Sandbox:  s.sandbox,
				Sessions: s.sessions,
			}
			toolset.Register(registry)

			server := mcp.NewServer("drover", version, registry, harness.NewDispatcher(registry, logger), logger)
			return server.Serve(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVarP(&workspaceDir, "workspace", "w", "", "Directory file tools are confined to (default cwd)")
	cmd.Flags().BoolVar(&allowExecute, "allow-execute", false, "Enable shell and script execution tools")
	cmd.Flags().BoolVar(&allowNetwork, "allow-network", false, "Allow sandboxed scripts to use fetch")
	return cmd
}
