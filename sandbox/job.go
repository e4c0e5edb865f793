// Package sandbox evaluates untrusted JavaScript in an isolated worker
// process. Each job spawns a fresh worker hosting a minimal goja interpreter;
// the worker is killed unconditionally when the job ends, so no interpreter
// state survives between jobs.
//
// Isolation is process-boundary plus wall-clock timeout plus a minimized host
// API (console logging, a SANDBOX_ROOT constant, and an optional blocking
// fetch). There is no cooperative interrupt inside the interpreter: a tight
// loop runs until the watchdog kills the worker. Worker memory is not
// bounded.
package sandbox

import "time"

// Default limits, matching the original tool caps.
const (
	DefaultTimeout   = 2 * time.Second
	DefaultOutputCap = 16000
	FetchTimeout     = 5 * time.Second
)

// Status classifies how a job ended.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"   // script threw; worker exited cleanly
	StatusTimeout Status = "timeout" // watchdog killed the worker
	StatusCrashed Status = "crashed" // worker died abnormally
)

// Job describes one sandbox evaluation. Jobs are ephemeral: they exist only
// for the duration of RunScript and are never persisted.
type Job struct {
	Source       string        `json:"source"`
	Path         string        `json:"-"` // workspace-relative script file, if source is empty
	Timeout      time.Duration `json:"-"`
	AllowNetwork bool          `json:"allow_network"`
	OutputCap    int           `json:"-"`
	SandboxRoot  string        `json:"sandbox_root"`
}

// Result is the outcome of a job.
type Result struct {
	Status   Status        `json:"status"`
	Value    string        `json:"value"`   // rendered result of the final expression
	Console  []string      `json:"console"` // captured console output lines
	Output   string        `json:"-"`       // combined text handed to the model, capped
	Duration time.Duration `json:"-"`
}

// workerPayload is the wire format between worker and runner.
type workerPayload struct {
	Status  Status   `json:"status"`
	Value   string   `json:"value"`
	Console []string `json:"console"`
}
