package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/finchley/drover/llm"
	"github.com/finchley/drover/policy"
	"github.com/finchley/drover/workspace"
)

// ErrToolTimeout marks a handler result as timed out. Handlers that enforce
// their own deadline wrap this so the dispatcher can classify the result.
var ErrToolTimeout = errors.New("tool timed out")

// Dispatcher routes tool calls to registered tools. Execute never panics or
// returns an error past its boundary: every failure becomes a typed
// ToolResult the model can react to.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewDispatcher creates a Dispatcher over a registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger.With("component", "dispatcher"),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Execute runs one tool call through the full pipeline: lookup, schema
// validation, handler invocation under the tool's timeout, truncation.
func (d *Dispatcher) Execute(ctx context.Context, call llm.ToolCall) (result ToolResult) {
	start := time.Now()
	result = ToolResult{ToolCallID: call.ID, Name: call.Name}
	defer func() {
		if r := recover(); r != nil {
			result.IsError = true
			result.ErrorKind = KindExecutionFailed
			result.Content = fmt.Sprintf("tool %s panicked: %v", call.Name, r)
			d.logger.Error("tool panicked", "tool", call.Name, "panic", r)
		}
		result.DurationMs = time.Since(start).Milliseconds()
	}()

	tool, ok := d.registry.Get(call.Name)
	if !ok {
		result.IsError = true
		result.ErrorKind = KindUnknownTool
		result.Content = fmt.Sprintf("unknown tool: %s", call.Name)
		return result
	}

	if err := d.validateArguments(tool, call.Arguments); err != nil {
		result.IsError = true
		result.ErrorKind = KindInvalidArguments
		result.Content = err.Error()
		return result
	}

	handlerCtx := ctx
	if tool.Timeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, tool.Timeout)
		defer cancel()
	}

	output, err := tool.Handler(handlerCtx, call.Arguments)
	if err != nil {
		result.IsError = true
		result.ErrorKind = classifyError(err)
		result.Content = output
		if result.Content == "" {
			result.Content = err.Error()
		}
		d.logger.Warn("tool failed", "tool", call.Name, "kind", result.ErrorKind, "error", err)
		return result
	}

	truncated := TruncateToolOutput(output, call.Name, nil, nil)
	result.Content = truncated
	result.Truncated = truncated != output
	return result
}

// validateArguments checks raw arguments against the tool's declared schema.
// Tools without a schema accept anything.
func (d *Dispatcher) validateArguments(tool Tool, raw json.RawMessage) error {
	if tool.Parameters == nil {
		return nil
	}
	schema, err := d.compiledSchema(tool)
	if err != nil {
		return fmt.Errorf("tool %s has an invalid schema: %w", tool.Name, err)
	}

	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("arguments do not match the %s schema: %v", tool.Name, err)
	}
	return nil
}

// compiledSchema compiles and caches the tool's parameter schema.
func (d *Dispatcher) compiledSchema(tool Tool) (*jsonschema.Schema, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if schema, ok := d.schemas[tool.Name]; ok {
		return schema, nil
	}

	raw, err := json.Marshal(tool.Parameters)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + tool.Name + "/schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	d.schemas[tool.Name] = schema
	return schema, nil
}

// classifyError maps a handler error onto the result taxonomy.
func classifyError(err error) ErrorKind {
	var escape *workspace.EscapeError
	switch {
	case errors.As(err, &escape):
		return KindPathEscape
	case errors.Is(err, policy.ErrExecuteDisabled),
		errors.Is(err, policy.ErrDenyListed),
		errors.Is(err, policy.ErrNotAllowListed):
		return KindPolicyDenied
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindExecutionFailed
	}
}
