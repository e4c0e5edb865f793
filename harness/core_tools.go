package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/finchley/drover/audit"
	"github.com/finchley/drover/policy"
	"github.com/finchley/drover/sandbox"
	"github.com/finchley/drover/shell"
)

// Toolset bundles the dependencies of the builtin tools.
type Toolset struct {
	Env      *Environment
	Gate     *policy.Gate
	Audit    *audit.Logger
	Sandbox  *sandbox.Runner
	Sessions *shell.Manager
	Plan     *Plan
	Emitter  *EventEmitter

	DefaultTimeoutMs int
	MaxTimeoutMs     int
}

// Register adds all builtin tools to the registry. Components left nil in
// the Toolset skip their tools, so a host can expose a read-only subset.
func (ts *Toolset) Register(reg *Registry) {
	if ts.DefaultTimeoutMs <= 0 {
		ts.DefaultTimeoutMs = 10000
	}
	if ts.MaxTimeoutMs <= 0 {
		ts.MaxTimeoutMs = 600000
	}

	if ts.Env != nil {
		ts.registerReadFile(reg)
		ts.registerWriteFile(reg)
		ts.registerEditFile(reg)
		ts.registerListDir(reg)
		ts.registerGlob(reg)
		ts.registerGrep(reg)
		if ts.Gate != nil {
			ts.registerShell(reg)
		}
	}
	if ts.Sandbox != nil {
		ts.registerRunScript(reg)
	}
	if ts.Sessions != nil {
		ts.registerSessionTools(reg)
	}
	if ts.Plan != nil {
		ts.registerUpdatePlan(reg)
	}
}

func (ts *Toolset) registerReadFile(reg *Registry) {
	reg.Register(Tool{
		Name:        "read_file",
		Description: "Read a file inside the workspace. Returns line-numbered content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Workspace-relative path to the file.",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "1-based line number to start reading from.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of lines to read. Default: 2000.",
				},
			},
			"required":             []string{"file_path"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			filePath, _ := StringArg(args, "file_path")
			offset, _ := IntArg(args, "offset")
			limit, _ := IntArg(args, "limit")
			if limit == 0 {
				limit = 2000
			}
			return ts.Env.ReadFile(filePath, offset, limit)
		},
	})
}

func (ts *Toolset) registerWriteFile(reg *Registry) {
	reg.Register(Tool{
		Name:        "write_file",
		Description: "Write content to a file inside the workspace, creating parent directories if needed.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Workspace-relative path to write to.",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "The full file content.",
				},
			},
			"required":             []string{"file_path", "content"},
			"additionalProperties": false,
		},
		Mutating: true,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			filePath, _ := StringArg(args, "file_path")
			content, _ := StringArg(args, "content")
			if err := ts.Env.WriteFile(filePath, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), filePath), nil
		},
	})
}

func (ts *Toolset) registerEditFile(reg *Registry) {
	reg.Register(Tool{
		Name:        "edit_file",
		Description: "Replace an exact string occurrence in a file. old_string must be unique unless replace_all is true.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Workspace-relative path to the file to edit.",
				},
				"old_string": map[string]any{
					"type":        "string",
					"description": "Exact text to find.",
				},
				"new_string": map[string]any{
					"type":        "string",
					"description": "Replacement text.",
				},
				"replace_all": map[string]any{
					"type":        "boolean",
					"description": "Replace every occurrence instead of requiring uniqueness.",
				},
			},
			"required":             []string{"file_path", "old_string", "new_string"},
			"additionalProperties": false,
		},
		Mutating: true,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			filePath, _ := StringArg(args, "file_path")
			oldStr, _ := StringArg(args, "old_string")
			newStr, _ := StringArg(args, "new_string")
			replaceAll, _ := BoolArg(args, "replace_all")
			n, err := ts.Env.EditFile(filePath, oldStr, newStr, replaceAll)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Replaced %d occurrence(s) in %s", n, filePath), nil
		},
	})
}

func (ts *Toolset) registerListDir(reg *Registry) {
	reg.Register(Tool{
		Name:        "list_dir",
		Description: "List the entries of a directory inside the workspace.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Workspace-relative directory. Default: workspace root.",
				},
			},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			path, _ := StringArg(args, "path")
			if path == "" {
				path = "."
			}
			return ts.Env.ListDirectory(path)
		},
	})
}

func (ts *Toolset) registerGlob(reg *Registry) {
	reg.Register(Tool{
		Name:        "glob",
		Description: "Find workspace files matching a glob pattern.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Glob pattern relative to the workspace root, e.g. cmd/*.go.",
				},
			},
			"required":             []string{"pattern"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			pattern, _ := StringArg(args, "pattern")
			matches, err := ts.Env.Glob(pattern)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No matches.", nil
			}
			return strings.Join(matches, "\n"), nil
		},
	})
}

func (ts *Toolset) registerGrep(reg *Registry) {
	reg.Register(Tool{
		Name:        "grep",
		Description: "Search workspace file contents for a regular expression.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Regular expression to search for.",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Workspace-relative file or directory to search. Default: workspace root.",
				},
				"case_insensitive": map[string]any{
					"type": "boolean",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum matches per file.",
				},
			},
			"required":             []string{"pattern"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			pattern, _ := StringArg(args, "pattern")
			path, _ := StringArg(args, "path")
			caseInsensitive, _ := BoolArg(args, "case_insensitive")
			maxResults, _ := IntArg(args, "max_results")
			out, err := ts.Env.Grep(ctx, pattern, path, caseInsensitive, maxResults)
			if err != nil {
				return "", err
			}
			if out == "" {
				return "No matches.", nil
			}
			return out, nil
		},
	})
}

func (ts *Toolset) registerShell(reg *Registry) {
	reg.Register(Tool{
		Name:        "shell",
		Description: "Run a one-shot shell command in the workspace and return its combined output and exit code.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Command line to execute under sh -c.",
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "Wall-clock timeout in milliseconds.",
				},
			},
			"required":             []string{"command"},
			"additionalProperties": false,
		},
		Mutating: true,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			command, _ := StringArg(args, "command")
			timeoutMs, _ := IntArg(args, "timeout_ms")
			if timeoutMs <= 0 {
				timeoutMs = ts.DefaultTimeoutMs
			}
			if timeoutMs > ts.MaxTimeoutMs {
				timeoutMs = ts.MaxTimeoutMs
			}

			decision, gateErr := ts.Gate.CheckCommand(command)
			ts.Audit.Record(audit.Entry{
				Kind:    "shell",
				Command: command,
				Allowed: decision.Allowed,
				Reason:  decision.Reason,
			})
			if gateErr != nil {
				return "", gateErr
			}

			result, err := ts.Env.ExecCommand(ctx, command, timeoutMs)
			if err != nil {
				return "", err
			}
			if result.TimedOut {
				return result.Output(), fmt.Errorf("command killed after %dms: %w", timeoutMs, ErrToolTimeout)
			}
			out := result.Output()
			if result.ExitCode != 0 {
				out += fmt.Sprintf("\n(exit code %d)", result.ExitCode)
			}
			return out, nil
		},
	})
}

func (ts *Toolset) registerRunScript(reg *Registry) {
	reg.Register(Tool{
		Name:        "run_script",
		Description: "Evaluate JavaScript in an isolated sandbox. The script has console logging, a SANDBOX_ROOT constant, and optionally fetch(url); no filesystem or process access. The final expression's value is returned.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"source": map[string]any{
					"type":        "string",
					"description": "Inline script source.",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Workspace-relative script file to load instead of source.",
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "Wall-clock timeout in milliseconds. Default: 2000.",
				},
				"allow_network": map[string]any{
					"type":        "boolean",
					"description": "Expose fetch(url) inside the sandbox.",
				},
			},
			"anyOf": []any{
				map[string]any{"required": []any{"source"}},
				map[string]any{"required": []any{"path"}},
			},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			source, _ := StringArg(args, "source")
			path, _ := StringArg(args, "path")
			timeoutMs, _ := IntArg(args, "timeout_ms")
			allowNetwork, _ := BoolArg(args, "allow_network")

			job := sandbox.Job{
				Source:       source,
				Path:         path,
				AllowNetwork: allowNetwork,
			}
			if timeoutMs > 0 {
				job.Timeout = time.Duration(timeoutMs) * time.Millisecond
			}
			result, err := ts.Sandbox.RunScript(ctx, job)
			if err != nil {
				return "", err
			}
			if result.Status == sandbox.StatusTimeout {
				return result.Output, fmt.Errorf("script killed by watchdog: %w", ErrToolTimeout)
			}
			return result.Output, nil
		},
	})
}

func (ts *Toolset) registerSessionTools(reg *Registry) {
	reg.Register(Tool{
		Name:        "spawn_bash",
		Description: "Start a long-lived interactive shell session running a command. Returns the session id for read_bash/write_bash/stop_bash.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Command line to run under sh -c.",
				},
			},
			"required":             []string{"command"},
			"additionalProperties": false,
		},
		Mutating: true,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			command, _ := StringArg(args, "command")
			id, err := ts.Sessions.Spawn(command, ts.Env.Root())
			if err != nil {
				return "", err
			}
			if ts.Emitter != nil {
				ts.Emitter.Emit(EventSessionActivity, map[string]any{"session_id": id, "action": "spawned", "command": command})
			}
			return fmt.Sprintf("Session %s started.", id), nil
		},
	})

	reg.Register(Tool{
		Name:        "read_bash",
		Description: "Read new output from a session. Pass the cursor from the previous read (0 for the first read); the call returns immediately with whatever is buffered.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{"type": "string"},
				"cursor": map[string]any{
					"type":        "integer",
					"description": "Offset returned by the previous read_bash call.",
				},
			},
			"required":             []string{"session_id"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			id, _ := StringArg(args, "session_id")
			cursor, _ := IntArg(args, "cursor")
			out, next, err := ts.Sessions.Read(id, cursor)
			if err != nil {
				return "", err
			}
			status, _ := ts.Sessions.Status(id)
			header := fmt.Sprintf("[status=%s next_cursor=%d]\n", status, next)
			if out == "" {
				return header + "(no new output)", nil
			}
			return header + out, nil
		},
	})

	reg.Register(Tool{
		Name:        "write_bash",
		Description: "Send input to a session's stdin. Special keys: enter, tab, backspace, escape, up, down, left, right, ctrl-c, ctrl-d.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{"type": "string"},
				"input": map[string]any{
					"type":        "string",
					"description": "Literal text to send.",
				},
				"keys": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Named special keys sent after input.",
				},
			},
			"required":             []string{"session_id"},
			"additionalProperties": false,
		},
		Mutating: true,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			id, _ := StringArg(args, "session_id")
			input, _ := StringArg(args, "input")
			var keys []string
			if rawKeys, ok := args["keys"].([]any); ok {
				for _, k := range rawKeys {
					if s, ok := k.(string); ok {
						keys = append(keys, s)
					}
				}
			}
			if err := ts.Sessions.Write(id, input, keys...); err != nil {
				return "", err
			}
			return "Input sent.", nil
		},
	})

	reg.Register(Tool{
		Name:        "stop_bash",
		Description: "Terminate a session's process.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{"type": "string"},
			},
			"required":             []string{"session_id"},
			"additionalProperties": false,
		},
		Mutating: true,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArguments(raw)
			if err != nil {
				return "", err
			}
			id, _ := StringArg(args, "session_id")
			if err := ts.Sessions.Stop(id); err != nil {
				return "", err
			}
			if ts.Emitter != nil {
				ts.Emitter.Emit(EventSessionActivity, map[string]any{"session_id": id, "action": "stopped"})
			}
			return fmt.Sprintf("Session %s stopped.", id), nil
		},
	})

	reg.Register(Tool{
		Name:        "list_bash",
		Description: "List all shell sessions and their status.",
		Parameters: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			summaries := ts.Sessions.List()
			if len(summaries) == 0 {
				return "No sessions.", nil
			}
			var sb strings.Builder
			for _, s := range summaries {
				fmt.Fprintf(&sb, "%s  %-8s  %6d bytes  %s\n", s.ID, s.Status, s.OutputBytes, s.Command)
			}
			return sb.String(), nil
		},
	})
}

func (ts *Toolset) registerUpdatePlan(reg *Registry) {
	reg.Register(Tool{
		Name:        "update_plan",
		Description: "Replace the working plan with an ordered list of items. Statuses: pending, in_progress, done, blocked.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"items": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"text":   map[string]any{"type": "string"},
							"status": map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "done", "blocked"}},
						},
						"required":             []string{"text", "status"},
						"additionalProperties": false,
					},
				},
			},
			"required":             []string{"items"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Items []PlanItem `json:"items"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("invalid tool arguments: %w", err)
			}
			if err := ts.Plan.Set(args.Items); err != nil {
				return "", err
			}
			if ts.Emitter != nil {
				ts.Emitter.Emit(EventPlanUpdate, map[string]any{"items": args.Items})
			}
			return fmt.Sprintf("Plan updated (%d items).", len(args.Items)), nil
		},
	})
}
