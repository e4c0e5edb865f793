// Package store persists agent sessions as one JSON document per session id.
// The layout is a directory per session under the store root, with the full
// state in state.json. Writes go through a temp file and rename so a crashed
// write never leaves a half-serialized session behind.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finchley/drover/harness"
	"github.com/finchley/drover/mcp"
)

// ErrNotFound is returned when a session id has no saved state.
var ErrNotFound = errors.New("session not found")

// ConfigSnapshot captures the settings a session was started with, so a
// resumed session behaves like the original.
type ConfigSnapshot struct {
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	MaxSteps     int    `json:"max_steps,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Workspace    string `json:"workspace,omitempty"`
}

// State is the durable form of one session.
type State struct {
	ID           string             `json:"id"`
	Conversation []harness.Turn     `json:"conversation"`
	Plan         []harness.PlanItem `json:"plan,omitempty"`
	Config       ConfigSnapshot     `json:"config"`
	Mode         string             `json:"mode,omitempty"`
	MCPServers   []mcp.ServerConfig `json:"mcp_servers,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Meta is the listing view of a saved session.
type Meta struct {
	ID        string    `json:"id"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes session state under a root directory. Writes to the
// same session are serialized.
type Store struct {
	root string
	mu   sync.Mutex
}

// DefaultRoot returns ~/.drover/sessions.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".drover", "sessions")
}

// NewStore creates a Store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultRoot()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// NewID returns a fresh session id.
func NewID() string { return uuid.NewString() }

func (s *Store) statePath(id string) string {
	return filepath.Join(s.root, id, "state.json")
}

// Save writes state durably, stamping UpdatedAt (and CreatedAt on first
// save).
func (s *Store) Save(state *State) error {
	if state.ID == "" {
		return errors.New("session id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	dir := filepath.Join(s.root, state.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("save session %s: %w", state.ID, err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize session %s: %w", state.ID, err)
	}

	tmp := filepath.Join(dir, ".state.json.tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("save session %s: %w", state.ID, err)
	}
	if err := os.Rename(tmp, s.statePath(state.ID)); err != nil {
		return fmt.Errorf("save session %s: %w", state.ID, err)
	}
	return nil
}

// Load reads a session's state verbatim.
func (s *Store) Load(id string) (*State, error) {
	data, err := os.ReadFile(s.statePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return &state, nil
}

// Fork copies a session under a fresh id without touching the source. The
// fork's timestamps restart at the fork time.
func (s *Store) Fork(id string) (*State, error) {
	src, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	fork := *src
	fork.ID = NewID()
	fork.CreatedAt = time.Time{}
	fork.Conversation = append([]harness.Turn(nil), src.Conversation...)
	fork.Plan = append([]harness.PlanItem(nil), src.Plan...)
	fork.MCPServers = append([]mcp.ServerConfig(nil), src.MCPServers...)
	if err := s.Save(&fork); err != nil {
		return nil, err
	}
	return &fork, nil
}

// List returns metadata for every saved session, most recently updated
// first.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var metas []Meta
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		state, err := s.Load(entry.Name())
		if err != nil {
			continue // skip unreadable or foreign directories
		}
		metas = append(metas, Meta{
			ID:        state.ID,
			Turns:     len(state.Conversation),
			CreatedAt: state.CreatedAt,
			UpdatedAt: state.UpdatedAt,
		})
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// Delete removes a session and its directory.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.statePath(id)); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return os.RemoveAll(filepath.Join(s.root, id))
}
