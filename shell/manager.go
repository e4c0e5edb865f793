package shell

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/finchley/drover/audit"
	"github.com/finchley/drover/policy"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotRunning     = errors.New("session is not running")
)

// Summary describes one session for listing.
type Summary struct {
	ID          string    `json:"id"`
	Command     string    `json:"command"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	OutputBytes int       `json:"output_bytes"`
	ExitCode    int       `json:"exit_code,omitempty"`
}

// Manager owns the session registry. The registry lock guards the map and
// every status transition; buffer and stdin state live behind per-session
// locks, so List and Status never wait on a session's I/O.
type Manager struct {
	gate      *policy.Gate
	auditLog  *audit.Logger
	logger    *slog.Logger
	bufferCap int

	mu       sync.RWMutex
	sessions map[string]*session
	statuses map[string]Status
}

// NewManager creates an empty session registry.
func NewManager(gate *policy.Gate, auditLog *audit.Logger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		gate:      gate,
		auditLog:  auditLog,
		logger:    logger.With("component", "shell"),
		bufferCap: DefaultBufferCap,
		sessions:  make(map[string]*session),
		statuses:  make(map[string]Status),
	}
}

// Spawn starts a new interactive session running command under sh -c. The
// same gate check as synchronous shell execution applies, and every attempt
// is audited whether or not it is allowed.
func (m *Manager) Spawn(command string, dir string) (string, error) {
	decision, gateErr := m.gate.CheckCommand(command)
	id := ""
	if gateErr == nil {
		id = uuid.NewString()[:8]
	}
	m.auditLog.Record(audit.Entry{
		Kind:      "session_spawn",
		Command:   command,
		Allowed:   decision.Allowed,
		Reason:    decision.Reason,
		SessionID: id,
	})
	if gateErr != nil {
		return "", gateErr
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("stdin pipe: %w", err)
	}
	// One pipe carries stdout and stderr interleaved, like a terminal.
	pr, pw, err := os.Pipe()
	if err != nil {
		return "", fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return "", fmt.Errorf("spawn session: %w", err)
	}
	pw.Close()

	s := &session{
		id:        id,
		command:   command,
		startedAt: time.Now(),
		cmd:       cmd,
		stdin:     stdin,
		cap:       m.bufferCap,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.statuses[id] = StatusRunning
	m.mu.Unlock()

	go m.drain(s, pr)

	m.logger.Info("session spawned", "session_id", id, "command", command)
	return id, nil
}

// drain is the session's single background reader; it appends output until
// the process closes its side, then records the exit.
func (m *Manager) drain(s *session, r io.ReadCloser) {
	defer r.Close()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.appendOutput(buf[:n])
		}
		if err != nil {
			break
		}
	}
	err := s.cmd.Wait()

	m.mu.Lock()
	s.exitCode = exitCode(err)
	// An explicit Stop already settled the status; don't overwrite it.
	if m.statuses[s.id] == StatusRunning {
		m.statuses[s.id] = StatusExited
	}
	status := m.statuses[s.id]
	m.mu.Unlock()

	m.logger.Info("session ended", "session_id", s.id, "status", status, "exit_code", s.exitCode)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode()
	}
	return -1
}

// Read returns output produced at or after cursor, plus the cursor to use
// next. It never blocks: with no new output it returns empty immediately.
func (m *Manager) Read(id string, cursor int) (string, int, error) {
	s, _, err := m.lookup(id)
	if err != nil {
		return "", 0, err
	}
	out, next := s.readFrom(cursor)
	return out, next, nil
}

// Write sends literal input followed by any named special keys to the
// session's stdin. Writes are serialized per session. Unknown key names fail
// before anything is written.
func (m *Manager) Write(id string, input string, keys ...string) error {
	s, status, err := m.lookup(id)
	if err != nil {
		return err
	}
	if status != StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, status)
	}

	payload := input
	for _, key := range keys {
		seq, ok := specialKeys[key]
		if !ok {
			return fmt.Errorf("unknown special key %q", key)
		}
		payload += seq
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := io.WriteString(s.stdin, payload); err != nil {
		return fmt.Errorf("write to session %s: %w", id, err)
	}
	return nil
}

// Stop terminates a running session's process group and marks it stopped.
// Stopping an already-finished session is a no-op.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	running := m.statuses[id] == StatusRunning
	if running {
		m.statuses[id] = StatusStopped
	}
	m.mu.Unlock()

	if running {
		syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
		s.stdin.Close()
		m.logger.Info("session stopped", "session_id", id)
	}
	return nil
}

// Status reports a session's current state.
func (m *Manager) Status(id string) (Status, error) {
	_, status, err := m.lookup(id)
	return status, err
}

// List returns summaries of all sessions, oldest first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	out := make([]Summary, 0, len(m.sessions))
	sessions := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sum := Summary{
			ID:        id,
			Command:   s.command,
			Status:    m.statuses[id],
			StartedAt: s.startedAt,
		}
		// exitCode is written under the registry lock by drain.
		if sum.Status == StatusExited {
			sum.ExitCode = s.exitCode
		}
		out = append(out, sum)
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	// Buffer sizes come from the per-session lock, outside the registry lock.
	for i, s := range sessions {
		out[i].OutputBytes = s.outputLen()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Shutdown stops every running session. Used at process exit.
func (m *Manager) Shutdown() {
	for _, sum := range m.List() {
		if sum.Status == StatusRunning {
			m.Stop(sum.ID)
		}
	}
}

func (m *Manager) lookup(id string) (*session, Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, m.statuses[id], nil
}
