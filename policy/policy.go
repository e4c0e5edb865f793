// Package policy gates dangerous operations behind an execute-enable flag and
// allow/deny command lists. The gate is constructed once at startup and is
// safe for concurrent reads; it is never mutated afterwards.
package policy

import (
	"errors"
	"strings"
)

// Sentinel errors returned by gate checks.
var (
	ErrExecuteDisabled = errors.New("execution disabled; enable with --allow-execute or DROVER_ALLOW_EXECUTE=1")
	ErrDenyListed      = errors.New("command blocked by deny list")
	ErrNotAllowListed  = errors.New("command not on allow list")
)

// Decision records the outcome of a gate evaluation for auditing.
type Decision struct {
	Command string `json:"command"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Gate holds the process-wide execution policy.
type Gate struct {
	executeEnabled bool
	allowNetwork   bool
	allow          []string
	deny           []string
}

// Config configures a Gate.
type Config struct {
	ExecuteEnabled bool
	AllowNetwork   bool
	Allow          []string // command names permitted (empty = all)
	Deny           []string // command names always refused
}

// NewGate builds an immutable Gate from config.
func NewGate(cfg Config) *Gate {
	return &Gate{
		executeEnabled: cfg.ExecuteEnabled,
		allowNetwork:   cfg.AllowNetwork,
		allow:          normalize(cfg.Allow),
		deny:           normalize(cfg.Deny),
	}
}

func normalize(list []string) []string {
	out := make([]string, 0, len(list))
	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

// ExecuteEnabled reports whether execution-class tools are enabled at all.
func (g *Gate) ExecuteEnabled() bool { return g.executeEnabled }

// NetworkAllowed reports whether sandboxed scripts may be granted the
// outbound-fetch capability.
func (g *Gate) NetworkAllowed() bool { return g.executeEnabled && g.allowNetwork }

// CheckCommand evaluates a shell command against the gate. The first word of
// the command is matched against the allow and deny lists. The returned
// Decision is suitable for audit logging regardless of the outcome.
func (g *Gate) CheckCommand(command string) (Decision, error) {
	d := Decision{Command: command}
	if !g.executeEnabled {
		d.Reason = "execute disabled"
		return d, ErrExecuteDisabled
	}
	name := commandName(command)
	for _, denied := range g.deny {
		if name == denied {
			d.Reason = "deny list: " + denied
			return d, ErrDenyListed
		}
	}
	if len(g.allow) > 0 {
		for _, allowed := range g.allow {
			if name == allowed {
				d.Allowed = true
				return d, nil
			}
		}
		d.Reason = "not on allow list"
		return d, ErrNotAllowListed
	}
	d.Allowed = true
	return d, nil
}

// CheckScript evaluates a sandbox script request. Scripts run inside the
// isolated interpreter but are still execution-class, so the execute flag
// applies; the allow/deny lists do not, since there is no host command.
func (g *Gate) CheckScript() (Decision, error) {
	d := Decision{Command: "run_script"}
	if !g.executeEnabled {
		d.Reason = "execute disabled"
		return d, ErrExecuteDisabled
	}
	d.Allowed = true
	return d, nil
}

func commandName(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command
	}
	return fields[0]
}
