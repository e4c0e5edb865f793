// Package shell manages long-lived interactive process sessions. Each session
// wraps one subprocess with an append-only output buffer addressed by
// absolute byte offsets, so repeated polling with a cursor never re-delivers
// or loses track of data even after old output is trimmed.
package shell

import (
	"io"
	"os/exec"
	"sync"
	"time"
)

// Status of a session. The Manager is the only writer.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped" // terminated by explicit Stop
	StatusExited  Status = "exited"  // process ended on its own
)

// DefaultBufferCap bounds retained output per session. Older bytes are
// trimmed but offsets remain absolute.
const DefaultBufferCap = 1 << 20

// Special keys accepted by Write, translated to control sequences.
var specialKeys = map[string]string{
	"enter":     "\n",
	"tab":       "\t",
	"backspace": "\x7f",
	"escape":    "\x1b",
	"up":        "\x1b[A",
	"down":      "\x1b[B",
	"right":     "\x1b[C",
	"left":      "\x1b[D",
	"ctrl-c":    "\x03",
	"ctrl-d":    "\x04",
}

// session is one live or finished process. Buffer state and stdin writes
// have their own locks so the Manager's registry lock never waits on I/O.
type session struct {
	id        string
	command   string
	startedAt time.Time

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex // serializes stdin writes across callers

	bufMu sync.Mutex
	data  []byte
	start int // absolute offset of data[0]
	cap   int

	exitCode int
}

// appendOutput adds process output, trimming the front when over cap.
func (s *session) appendOutput(b []byte) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	s.data = append(s.data, b...)
	if over := len(s.data) - s.cap; over > 0 {
		s.data = s.data[over:]
		s.start += over
	}
}

// readFrom returns buffered output at or after cursor plus the next cursor.
// Cursors before the retained window are clamped forward; cursors past the
// end yield empty output. Never blocks on the process.
func (s *session) readFrom(cursor int) (string, int) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	end := s.start + len(s.data)
	if cursor < s.start {
		cursor = s.start
	}
	if cursor > end {
		cursor = end
	}
	return string(s.data[cursor-s.start:]), end
}

// outputLen reports the total bytes the process has ever produced.
func (s *session) outputLen() int {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return s.start + len(s.data)
}
