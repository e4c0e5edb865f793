package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/finchley/drover/audit"
	"github.com/finchley/drover/config"
	"github.com/finchley/drover/harness"
	"github.com/finchley/drover/llm"
	"github.com/finchley/drover/mcp"
	"github.com/finchley/drover/policy"
	"github.com/finchley/drover/sandbox"
	"github.com/finchley/drover/shell"
	"github.com/finchley/drover/store"
	"github.com/finchley/drover/workspace"
)

// stack wires every long-lived component from one Config. Per-run pieces
// (registry, plan, dispatcher, runner) are built fresh for each prompt so
// concurrent sessions never share mutable tool state.
type stack struct {
	cfg      config.Config
	logger   *slog.Logger
	provider string // effective provider name after fallback

	guard    *workspace.Guard
	gate     *policy.Gate
	auditLog *audit.Logger
	env      *harness.Environment
	sandbox  *sandbox.Runner
	sessions *shell.Manager
	client   *llm.Client
	store    *store.Store

	mcpClients []*mcp.Client
}

func buildStack(cfg config.Config, logger *slog.Logger) (*stack, error) {
	ws := cfg.Workspace
	if ws == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve workspace: %w", err)
		}
		ws = cwd
	}
	guard, err := workspace.NewGuard(ws)
	if err != nil {
		return nil, err
	}

	gate := policy.NewGate(policy.Config{
		ExecuteEnabled: cfg.AllowExecute,
		AllowNetwork:   cfg.AllowNetwork,
		Allow:          cfg.AllowList,
		Deny:           cfg.DenyList,
	})

	auditDir := filepath.Join(ws, ".drover")
	auditLog := audit.Disabled()
	if err := os.MkdirAll(auditDir, 0755); err == nil {
		if l, err := audit.NewLogger(filepath.Join(auditDir, "exec-audit.jsonl")); err == nil {
			auditLog = l
		} else {
			logger.Warn("audit log unavailable", "error", err)
		}
	}

	st, err := store.NewStore(cfg.SessionRoot)
	if err != nil {
		return nil, err
	}

	s := &stack{
		cfg:      cfg,
		logger:   logger,
		guard:    guard,
		gate:     gate,
		auditLog: auditLog,
		env:      harness.NewEnvironment(guard),
		sandbox:  sandbox.NewRunner(gate, guard, auditLog, logger),
		sessions: shell.NewManager(gate, auditLog, logger),
		store:    st,
	}
	s.client, s.provider = buildClient(cfg, logger)

	if cfg.MCPConfig != "" {
		configs, err := mcp.LoadServerConfigs(cfg.MCPConfig)
		if err != nil {
			return nil, err
		}
		for _, serverCfg := range configs {
			client, err := mcp.Dial(serverCfg, logger)
			if err != nil {
				logger.Warn("tool server unavailable", "server", serverCfg.Name, "error", err)
				continue
			}
			s.mcpClients = append(s.mcpClients, client)
		}
	}
	return s, nil
}

// buildClient registers the configured provider, falling back to the offline
// echo provider when the hosted backend cannot be constructed.
func buildClient(cfg config.Config, logger *slog.Logger) (*llm.Client, string) {
	name := cfg.Provider
	opts := []llm.ClientOption{
		llm.WithProvider(llm.NewEchoProvider()),
		llm.WithCallTimeout(time.Duration(cfg.RequestTimeoutMs) * time.Millisecond),
		llm.WithRetryPolicy(llm.RetryPolicy{
			MaxRetries:        cfg.Retries,
			BaseDelay:         1.0,
			BackoffMultiplier: 2.0,
			MaxDelay:          30.0,
		}),
	}
	if name != "" && name != "echo" {
		provider, err := llm.NewGollmProvider(name, cfg.Model, cfg.APIKey)
		if err != nil {
			logger.Warn("provider unavailable, using echo", "provider", name, "error", err)
			name = "echo"
		} else {
			opts = append(opts, llm.WithProvider(provider))
		}
	} else {
		name = "echo"
	}
	opts = append(opts, llm.WithDefaultProvider(name))
	return llm.NewClient(opts...), name
}

// newRegistry builds a fresh tool registry bound to the given plan and
// emitter, with external server tools merged in.
func (s *stack) newRegistry(plan *harness.Plan, emitter *harness.EventEmitter) *harness.Registry {
	registry := harness.NewRegistry()
	toolset := &harness.Toolset{
		Env:      s.env,
		Gate:     s.gate,
		Audit:    s.auditLog,
		Sandbox:  s.sandbox,
		Sessions: s.sessions,
		Plan:     plan,
		Emitter:  emitter,
	}
	toolset.Register(registry)

	for _, client := range s.mcpClients {
		tools, err := client.Tools()
		if err != nil {
			s.logger.Warn("tool listing failed", "error", err)
			continue
		}
		for _, tool := range tools {
			registry.Register(tool)
		}
	}
	return registry
}

// NewRunner implements acp.RunnerFactory: one runner and plan per prompt.
// Snapshot fields override the process configuration so resumed sessions
// keep their original settings.
func (s *stack) NewRunner(emitter *harness.EventEmitter, snapshot store.ConfigSnapshot) (*harness.Runner, *harness.Plan, error) {
	plan := harness.NewPlan()
	registry := s.newRegistry(plan, emitter)
	dispatcher := harness.NewDispatcher(registry, s.logger)

	runCfg := harness.RunConfig{
		Provider:     s.provider,
		Model:        s.cfg.Model,
		SystemPrompt: s.cfg.SystemPrompt,
		MaxSteps:     s.cfg.MaxSteps,
	}
	if snapshot.Model != "" {
		runCfg.Model = snapshot.Model
	}
	if snapshot.SystemPrompt != "" {
		runCfg.SystemPrompt = snapshot.SystemPrompt
	}
	if snapshot.MaxSteps > 0 {
		runCfg.MaxSteps = snapshot.MaxSteps
	}
	return harness.NewRunner(s.client, dispatcher, emitter, s.logger, runCfg), plan, nil
}

// snapshot captures the effective settings for persisting with a session.
func (s *stack) snapshot() store.ConfigSnapshot {
	return store.ConfigSnapshot{
		Provider:     s.provider,
		Model:        s.cfg.Model,
		MaxSteps:     s.cfg.MaxSteps,
		SystemPrompt: s.cfg.SystemPrompt,
		Workspace:    s.guard.Root(),
	}
}

// Close releases external processes and the audit log.
func (s *stack) Close() {
	s.sessions.Shutdown()
	for _, client := range s.mcpClients {
		client.Close()
	}
	s.auditLog.Close()
}
