package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/finchley/drover/llm"
)

// ErrorKind classifies a failed tool call for the model and the event log.
type ErrorKind string

const (
	KindUnknownTool      ErrorKind = "unknown_tool"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindPathEscape       ErrorKind = "path_escape"
	KindPolicyDenied     ErrorKind = "policy_denied"
	KindExecutionFailed  ErrorKind = "execution_failed"
	KindTimeout          ErrorKind = "timeout"
)

// ToolResult is the structured outcome of one tool call. Exactly one is
// produced per call.
type ToolResult struct {
	ToolCallID string    `json:"tool_call_id"`
	Name       string    `json:"name"`
	Content    string    `json:"content"`
	IsError    bool      `json:"is_error"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Truncated  bool      `json:"truncated,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// Handler executes one tool call with parsed raw arguments.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a named capability with a declared input schema.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema for the arguments object

	// Mutating marks tools whose calls must run sequentially in submission
	// order within a step; non-mutating calls run concurrently.
	Mutating bool

	// Timeout bounds one handler invocation. Zero means no tool-level bound.
	Timeout time.Duration

	Handler Handler
}

// Registry maps tool names to capabilities. Lookup and registration only;
// execution belongs to the Dispatcher.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the provider-facing tool definitions.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	return defs
}

// ParseArguments unmarshals raw tool arguments into a map.
func ParseArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// StringArg extracts a string argument.
func StringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntArg extracts an integer argument.
func IntArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// BoolArg extracts a boolean argument.
func BoolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
