package harness

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ExecResult holds the result of a one-shot command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// sensitiveEnvSuffixes are case-insensitive suffixes for environment
// variables withheld from spawned commands.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always passed through regardless of filtering.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// filterEnvironment returns the process environment minus secrets.
func filterEnvironment() []string {
	var filtered []string
	for _, env := range os.Environ() {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// PathResolver canonicalizes a tool-supplied path or rejects it. Both
// methods of workspace.Guard satisfy it.
type PathResolver interface {
	Resolve(path string) (string, error)
	ResolveExisting(path string) (string, error)
	Root() string
}

// Environment runs filesystem and command operations confined to a
// workspace. Every path argument is resolved through the guard before use.
type Environment struct {
	guard PathResolver
}

// NewEnvironment creates an Environment over a guard.
func NewEnvironment(guard PathResolver) *Environment {
	return &Environment{guard: guard}
}

// Root returns the workspace root.
func (e *Environment) Root() string { return e.guard.Root() }

// ReadFile returns line-numbered content, honoring a 1-based line offset and
// a line limit.
func (e *Environment) ReadFile(path string, offset, limit int) (string, error) {
	resolved, err := e.guard.ResolveExisting(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	startLine := 0
	if offset > 0 {
		startLine = offset - 1
	}
	if startLine >= len(lines) {
		return "", nil
	}
	endLine := len(lines)
	if limit > 0 && startLine+limit < endLine {
		endLine = startLine + limit
	}

	var sb strings.Builder
	for i := startLine; i < endLine; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String(), nil
}

// WriteFile writes content, creating parent directories inside the
// workspace as needed.
func (e *Environment) WriteFile(path string, content string) error {
	resolved, err := e.guard.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return fmt.Errorf("write_file: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0644)
}

// EditFile replaces an exact occurrence of oldStr. Unless replaceAll is set,
// oldStr must appear exactly once.
func (e *Environment) EditFile(path, oldStr, newStr string, replaceAll bool) (int, error) {
	resolved, err := e.guard.ResolveExisting(path)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return 0, fmt.Errorf("edit_file: %w", err)
	}
	content := string(data)

	count := strings.Count(content, oldStr)
	if count == 0 {
		return 0, fmt.Errorf("edit_file: old_string not found in %s", path)
	}
	if count > 1 && !replaceAll {
		return 0, fmt.Errorf("edit_file: old_string occurs %d times in %s; use replace_all or a more specific string", count, path)
	}

	var updated string
	if replaceAll {
		updated = strings.ReplaceAll(content, oldStr, newStr)
	} else {
		updated = strings.Replace(content, oldStr, newStr, 1)
		count = 1
	}
	if err := os.WriteFile(resolved, []byte(updated), 0644); err != nil {
		return 0, fmt.Errorf("edit_file: %w", err)
	}
	return count, nil
}

// ListDirectory returns a flat listing of one directory.
func (e *Environment) ListDirectory(path string) (string, error) {
	resolved, err := e.guard.ResolveExisting(path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", fmt.Errorf("list_dir: %w", err)
	}

	var sb strings.Builder
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		sb.WriteString(name + "\n")
	}
	return sb.String(), nil
}

// ExecCommand runs command under the shell with a millisecond timeout,
// returning combined results. The caller is responsible for gate checks.
func (e *Environment) ExecCommand(ctx context.Context, command string, timeoutMs int) (*ExecResult, error) {
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.guard.Root()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = filterEnvironment()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
			result.ExitCode = -1
			if cmd.Process != nil {
				syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("shell: %w", err)
		}
	}
	return result, nil
}

// Grep searches with ripgrep when available, plain grep otherwise.
func (e *Environment) Grep(ctx context.Context, pattern, path string, caseInsensitive bool, maxResults int) (string, error) {
	searchPath := e.guard.Root()
	if path != "" {
		resolved, err := e.guard.ResolveExisting(path)
		if err != nil {
			return "", err
		}
		searchPath = resolved
	}

	rgPath, err := exec.LookPath("rg")
	if err != nil {
		args := []string{"-rn", pattern, searchPath}
		if caseInsensitive {
			args = append([]string{"-i"}, args...)
		}
		cmd := exec.CommandContext(ctx, "grep", args...)
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Run() // exit 1 means no matches
		return stdout.String(), nil
	}

	args := []string{pattern, searchPath, "--line-number", "--no-heading"}
	if caseInsensitive {
		args = append(args, "-i")
	}
	if maxResults > 0 {
		args = append(args, "--max-count", fmt.Sprintf("%d", maxResults))
	}
	cmd := exec.CommandContext(ctx, rgPath, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Run()
	return stdout.String(), nil
}

// Glob matches a pattern relative to the workspace root and returns
// workspace-relative paths. Every match is re-validated through the guard,
// so a pattern that reaches outside the root (via .. or a symlinked match)
// fails the whole call instead of leaking paths.
func (e *Environment) Glob(pattern string) ([]string, error) {
	root := e.guard.Root()
	matches, err := filepath.Glob(filepath.Join(root, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}
	result := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, err := e.guard.Resolve(m); err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(root, m)
		if err != nil {
			return nil, fmt.Errorf("glob: %w", err)
		}
		result = append(result, rel)
	}
	return result, nil
}
