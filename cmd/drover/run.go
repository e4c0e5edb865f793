package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/finchley/drover/config"
	"github.com/finchley/drover/harness"
	"github.com/finchley/drover/store"
)

func buildRunCmd() *cobra.Command {
	var (
		provider         string
		model            string
		maxSteps         int
		systemPromptFile string
		workspaceDir     string
		sessionID        string
		allowExecute     bool
		allowNetwork     bool
		allowList        []string
		denyList         []string
		timeoutMs        int
		retries          int
		mcpConfig        string
		eventLog         string
		quiet            bool
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one prompt to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(c *config.Config) {
				if provider != "" {
					c.Provider = provider
				}
				if model != "" {
					c.Model = model
				}
				if maxSteps > 0 {
					c.MaxSteps = maxSteps
				}
				if workspaceDir != "" {
					c.Workspace = workspaceDir
				}
				if allowExecute {
					c.AllowExecute = true
				}
				if allowNetwork {
					c.AllowNetwork = true
				}
				if len(allowList) > 0 {
					c.AllowList = allowList
				}
				if len(denyList) > 0 {
					c.DenyList = denyList
				}
				if timeoutMs > 0 {
					c.RequestTimeoutMs = timeoutMs
				}
				if cmd.Flags().Changed("retries") {
					c.Retries = retries
				}
				if mcpConfig != "" {
					c.MCPConfig = mcpConfig
				}
				if eventLog != "" {
					c.EventLog = eventLog
				}
			})
			if err != nil {
				return err
			}
			if systemPromptFile != "" {
				data, err := os.ReadFile(systemPromptFile)
				if err != nil {
					return fmt.Errorf("read system prompt: %w", err)
				}
				cfg.SystemPrompt = string(data)
			}

			logger := buildLogger(cfg.LogLevel)
			s, err := buildStack(cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			prompt := strings.Join(args, " ")
			return runPrompt(cmd, s, prompt, sessionID, quiet)
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "LLM provider (anthropic, openai, echo)")
	cmd.Flags().StringVar(&model, "model", "", "Model name")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Maximum agent steps before stopping")
	cmd.Flags().StringVar(&systemPromptFile, "system-prompt-file", "", "File holding the system prompt")
	cmd.Flags().StringVarP(&workspaceDir, "workspace", "w", "", "Directory file tools are confined to (default cwd)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Resume an existing session id")
	cmd.Flags().BoolVar(&allowExecute, "allow-execute", false, "Enable shell and script execution tools")
	cmd.Flags().BoolVar(&allowNetwork, "allow-network", false, "Allow sandboxed scripts to use fetch")
	cmd.Flags().StringSliceVar(&allowList, "allow", nil, "Commands permitted to run (repeatable; empty = all)")
	cmd.Flags().StringSliceVar(&denyList, "deny", nil, "Commands always refused (repeatable)")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "Per provider-call timeout in milliseconds")
	cmd.Flags().IntVar(&retries, "retries", 0, "Retries on retryable provider errors")
	cmd.Flags().StringVar(&mcpConfig, "mcp-config", "", "JSON file declaring external tool servers")
	cmd.Flags().StringVar(&eventLog, "log-json", "", "Write every run event to this JSONL file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print only the final assistant message")
	return cmd
}

func runPrompt(cmd *cobra.Command, s *stack, prompt, sessionID string, quiet bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var state *store.State
	if sessionID != "" {
		loaded, err := s.store.Load(sessionID)
		if err != nil {
			return err
		}
		state = loaded
	} else {
		state = &store.State{ID: store.NewID(), Config: s.snapshot()}
	}

	emitter := harness.NewEventEmitter(state.ID, 1024)
	runner, plan, err := s.NewRunner(emitter, state.Config)
	if err != nil {
		return err
	}

	sinks := []<-chan harness.Event{emitter.Events()}
	if s.cfg.EventLog != "" {
		sinks = harness.TeeEvents(emitter.Events(), 2)
		f, err := os.OpenFile(s.cfg.EventLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer f.Close()
		go harness.WriteEventLog(f, sinks[1])
	}

	var render sync.WaitGroup
	render.Add(1)
	go func() {
		defer render.Done()
		renderEvents(cmd, sinks[0], quiet)
	}()

	history := append(state.Conversation, harness.NewUserTurn(prompt))
	result := runner.Run(ctx, history)
	emitter.Close()
	render.Wait()

	state.Conversation = result.History
	state.Plan = plan.Items()
	if err := s.store.Save(state); err != nil {
		s.logger.Warn("session save failed", "session_id", state.ID, "error", err)
	}

	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "session: %s\n", state.ID)
	switch result.Reason {
	case harness.TerminationCompleted:
		return nil
	case harness.TerminationMaxSteps:
		fmt.Fprintf(errOut, "stopped: step budget exhausted after %d steps\n", result.Steps)
		return nil
	case harness.TerminationCancelled:
		fmt.Fprintln(errOut, "stopped: cancelled")
		return nil
	default:
		if result.Err != nil {
			return result.Err
		}
		return errors.New("run failed")
	}
}

// renderEvents prints run progress for a terminal user: assistant text on
// stdout, tool activity on stderr.
func renderEvents(cmd *cobra.Command, events <-chan harness.Event, quiet bool) {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	for event := range events {
		switch event.Kind {
		case harness.EventAssistantText:
			fmt.Fprintln(out, event.Data["text"])
		case harness.EventToolCallStart:
			if !quiet {
				fmt.Fprintf(errOut, "-> %s\n", event.Data["tool"])
			}
		case harness.EventToolCallEnd:
			if quiet {
				continue
			}
			if kind, ok := event.Data["error_kind"]; ok {
				fmt.Fprintf(errOut, "   %s failed (%v): %v\n", event.Data["tool"], kind, event.Data["error"])
			}
		case harness.EventPlanUpdate:
			if !quiet {
				if items, ok := event.Data["items"].([]harness.PlanItem); ok {
					fmt.Fprintf(errOut, "plan: %d items\n", len(items))
				}
			}
		case harness.EventError:
			fmt.Fprintf(errOut, "error: %v\n", event.Data["error"])
		}
	}
}
