// Package audit records every gated execution request as one JSON object per
// line in an append-only log. Writes are serialized so concurrent tool calls
// cannot interleave records.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Entry is a single audit record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"` // "shell", "script", "session_spawn"
	Command   string    `json:"command,omitempty"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// Logger appends entries to a single writer. The zero-value disabled Logger
// discards everything, so call sites never need nil checks.
type Logger struct {
	mu      sync.Mutex
	w       io.WriteCloser
	enabled bool
}

// NewLogger opens (or creates) the audit log at path in append mode.
func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{w: f, enabled: true}, nil
}

// NewWriterLogger wraps an existing writer; used by tests.
func NewWriterLogger(w io.WriteCloser) *Logger {
	return &Logger{w: w, enabled: true}
}

// Disabled returns a Logger that records nothing.
func Disabled() *Logger { return &Logger{} }

// Record appends one entry. Errors writing the log are deliberately dropped:
// audit failure must not fail the gated operation itself.
func (l *Logger) Record(entry Entry) {
	if !l.enabled {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(data)
	l.w.Write([]byte("\n"))
}

// Close closes the underlying writer.
func (l *Logger) Close() error {
	if !l.enabled || l.w == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}
