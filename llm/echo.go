package llm

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// EchoProvider is an offline Provider. By default it echoes the last user
// message back; tests script it with a fixed sequence of responses or a
// handler function.
type EchoProvider struct {
	mu       sync.Mutex
	scripted []*Response
	errs     []error
	handler  func(req Request) (*Response, error)
	calls    int
}

// NewEchoProvider creates an EchoProvider with default echo behavior.
func NewEchoProvider() *EchoProvider { return &EchoProvider{} }

// Name returns "echo".
func (p *EchoProvider) Name() string { return "echo" }

// Script queues responses (or errors, for nil responses) to be returned by
// successive Complete calls, in order.
func (p *EchoProvider) Script(responses []*Response, errs []error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripted = responses
	p.errs = errs
}

// SetHandler installs a function that computes each response.
func (p *EchoProvider) SetHandler(fn func(req Request) (*Response, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = fn
}

// Calls returns how many times Complete has been invoked.
func (p *EchoProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Complete returns the next scripted response, the handler's response, or an
// echo of the last user message.
func (p *EchoProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ClientError{Message: "echo provider", Cause: err}
	}

	p.mu.Lock()
	p.calls++
	idx := p.calls - 1
	handler := p.handler
	var resp *Response
	var scriptErr error
	if idx < len(p.scripted) {
		resp = p.scripted[idx]
	}
	if idx < len(p.errs) {
		scriptErr = p.errs[idx]
	}
	p.mu.Unlock()

	if scriptErr != nil {
		return nil, scriptErr
	}
	if resp != nil {
		return resp, nil
	}
	if handler != nil {
		return handler(req)
	}

	last := ""
	for _, msg := range req.Messages {
		if msg.Role == RoleUser {
			last = msg.TextContent()
		}
	}
	return &Response{
		ID:       "echo_" + uuid.New().String()[:8],
		Model:    "echo",
		Provider: "echo",
		Message:  AssistantMessage(last),
		Usage:    Usage{InputTokens: len(last) / 4, OutputTokens: len(last) / 4, TotalTokens: len(last) / 2},
	}, nil
}

// AssistantToolCallResponse builds a Response containing tool calls; a test
// and scripting helper.
func AssistantToolCallResponse(text string, calls ...ToolCall) *Response {
	parts := []ContentPart{}
	if text != "" {
		parts = append(parts, TextPart(text))
	}
	for _, call := range calls {
		args := call.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		parts = append(parts, ToolCallPart(call.ID, call.Name, args))
	}
	return &Response{
		ID:       "resp_" + uuid.New().String()[:8],
		Model:    "echo",
		Provider: "echo",
		Message:  Message{Role: RoleAssistant, Content: parts},
	}
}

// AssistantTextResponse builds a plain text Response.
func AssistantTextResponse(text string) *Response {
	return &Response{
		ID:       "resp_" + uuid.New().String()[:8],
		Model:    "echo",
		Provider: "echo",
		Message:  AssistantMessage(text),
	}
}
