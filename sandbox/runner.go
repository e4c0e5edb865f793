package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/finchley/drover/audit"
	"github.com/finchley/drover/policy"
	"github.com/finchley/drover/workspace"
)

// Runner spawns one isolated worker process per job and enforces the
// wall-clock timeout from outside.
type Runner struct {
	gate       *policy.Gate
	guard      *workspace.Guard
	auditLog   *audit.Logger
	logger     *slog.Logger
	workerArgv []string
}

// NewRunner creates a Runner. The worker is the running executable re-invoked
// with the sandbox-worker argument.
func NewRunner(gate *policy.Gate, guard *workspace.Guard, auditLog *audit.Logger, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return &Runner{
		gate:       gate,
		guard:      guard,
		auditLog:   auditLog,
		logger:     logger.With("component", "sandbox"),
		workerArgv: []string{exe, "sandbox-worker"},
	}
}

// SetWorkerCommand overrides how the worker process is spawned; used by tests.
func (r *Runner) SetWorkerCommand(argv []string) {
	r.workerArgv = argv
}

// RunScript evaluates a job and always returns a Result: policy denials and
// guard failures are the only errors, and they occur before any process is
// spawned.
func (r *Runner) RunScript(ctx context.Context, job Job) (*Result, error) {
	decision, err := r.gate.CheckScript()
	r.auditLog.Record(audit.Entry{Kind: "script", Command: "run_script", Allowed: decision.Allowed, Reason: decision.Reason})
	if err != nil {
		return nil, err
	}

	if job.Source == "" && job.Path != "" {
		resolved, err := r.guard.ResolveExisting(job.Path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}
		job.Source = string(data)
	}
	if job.Source == "" {
		return nil, fmt.Errorf("either source or path must be provided")
	}

	return r.spawn(ctx, r.normalize(job))
}

// normalize applies defaults and downgrades capabilities the gate does not
// grant.
func (r *Runner) normalize(job Job) Job {
	if job.Timeout <= 0 {
		job.Timeout = DefaultTimeout
	}
	if job.OutputCap <= 0 {
		job.OutputCap = DefaultOutputCap
	}
	job.AllowNetwork = job.AllowNetwork && r.gate.NetworkAllowed()
	return job
}

// spawn runs the worker process for one job and collects its payload.
func (r *Runner) spawn(ctx context.Context, job Job) (*Result, error) {
	input, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	cmd := exec.Command(r.workerArgv[0], r.workerArgv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	var killed atomic.Bool
	kill := func() {
		if killed.CompareAndSwap(false, true) {
			// Kill the whole process group so grandchildren die too.
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
	watchdog := time.AfterFunc(job.Timeout, kill)
	defer watchdog.Stop()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	interrupted := false
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		interrupted = true
		kill()
		waitErr = <-done
	}
	// Stop() returning true proves the watchdog never ran, so a worker that
	// exited on its own is never misreported as a timeout even if the timer
	// was about to fire.
	timedOut := !watchdog.Stop()
	duration := time.Since(start)

	result := &Result{Duration: duration}
	switch {
	case timedOut || interrupted:
		result.Status = StatusTimeout
		result.Value = fmt.Sprintf("killed after %dms", job.Timeout.Milliseconds())
	default:
		var payload workerPayload
		if perr := json.Unmarshal(stdout.Bytes(), &payload); perr == nil && payload.Status != "" {
			result.Status = payload.Status
			result.Value = payload.Value
			result.Console = payload.Console
		} else if waitErr != nil {
			result.Status = StatusCrashed
			result.Value = strings.TrimSpace(stderr.String())
			if result.Value == "" {
				result.Value = waitErr.Error()
			}
		} else {
			result.Status = StatusCrashed
			result.Value = "worker produced no result"
		}
	}

	result.Output = formatOutput(result, job.OutputCap)
	r.logger.Debug("job finished",
		"status", result.Status,
		"duration_ms", duration.Milliseconds(),
		"console_lines", len(result.Console))
	return result, nil
}

// formatOutput renders the model-facing text and applies the byte cap.
func formatOutput(result *Result, maxBytes int) string {
	parts := []string{
		"status: " + string(result.Status),
		"result: " + result.Value,
	}
	if len(result.Console) > 0 {
		parts = append(parts, "console:")
		parts = append(parts, result.Console...)
	}
	return TruncateBytes(strings.Join(parts, "\n"), maxBytes)
}

// TruncateBytes caps text at max bytes and appends a truncation marker when
// anything was removed.
func TruncateBytes(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "\n[truncated]"
}
