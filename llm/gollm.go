package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmProvider wraps a gollm.LLM instance and implements Provider. It
// translates between the harness conversation types and gollm's prompt API.
type GollmProvider struct {
	provider string
	llm      gollm.LLM
	model    string
}

// NewGollmProvider creates a provider backend for the named hosted provider.
// If apiKey is empty, gollm reads it from the conventional environment
// variables.
func NewGollmProvider(provider, model, apiKey string) (*GollmProvider, error) {
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-5-20250514"
		default:
			model = "gpt-4o-mini"
		}
	}

	opts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(4096),
		gollm.SetMaxRetries(0), // the Client handles retries
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		opts = append(opts, gollm.SetAPIKey(apiKey))
	}

	backend, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", provider, err)
	}
	return &GollmProvider{provider: provider, llm: backend, model: model}, nil
}

// NewGollmProviderFromLLM wraps an existing gollm.LLM instance.
func NewGollmProviderFromLLM(provider string, backend gollm.LLM) *GollmProvider {
	return &GollmProvider{provider: provider, llm: backend}
}

// Name returns the provider identifier.
func (p *GollmProvider) Name() string { return p.provider }

// Complete sends a blocking request and returns the full response.
func (p *GollmProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := p.translateRequest(req)
	if req.Model != "" {
		p.llm.SetOption("model", req.Model)
	}

	text, err := p.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, &NetworkError{ClientError: ClientError{
			Message: fmt.Sprintf("%s generate", p.provider), Cause: err,
		}}
	}
	return p.buildResponse(req, text), nil
}

// translateRequest converts a Request into a gollm Prompt. gollm takes a
// single prompt string, so prior turns are flattened into labeled context.
func (p *GollmProvider) translateRequest(req Request) *gollm.Prompt {
	var systemPrompt string
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt += msg.TextContent() + "\n"
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, part := range msg.Content {
				if part.Kind == ContentToolCall && part.ToolCall != nil {
					parts = append(parts, fmt.Sprintf("[Tool Call %s]: %s(%s)",
						part.ToolCall.ID, part.ToolCall.Name, string(part.ToolCall.Arguments)))
				}
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind == ContentToolResult && part.ToolResult != nil {
					prefix := "[Tool Result]"
					if part.ToolResult.IsError {
						prefix = "[Tool Error]"
					}
					parts = append(parts, prefix+": "+part.ToolResult.Content)
				}
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	promptOpts := []gollm.PromptOption{}
	if systemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(systemPrompt), gollm.CacheTypeEphemeral))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		promptOpts = append(promptOpts, gollm.WithToolChoice("auto"))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// buildResponse constructs a Response from generated text, extracting any
// tool calls gollm embedded as JSON in the output.
func (p *GollmProvider) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var parts []ContentPart
	calls := parseEmbeddedToolCalls(text)
	cleaned := text
	if len(calls) > 0 {
		if idx := strings.Index(text, `[{"name"`); idx >= 0 {
			cleaned = strings.TrimSpace(text[:idx])
		}
		if cleaned != "" {
			parts = append(parts, TextPart(cleaned))
		}
		for _, call := range calls {
			parts = append(parts, ToolCallPart(call.ID, call.Name, call.Arguments))
		}
	} else {
		parts = []ContentPart{TextPart(text)}
	}

	return &Response{
		ID:       "resp_" + uuid.New().String()[:8],
		Model:    model,
		Provider: p.provider,
		Message:  Message{Role: RoleAssistant, Content: parts},
		Usage: Usage{
			// gollm does not surface provider usage; approximate by length.
			InputTokens:  approxRequestTokens(req),
			OutputTokens: len(text) / 4,
			TotalTokens:  approxRequestTokens(req) + len(text)/4,
		},
	}
}

// parseEmbeddedToolCalls detects tool calls gollm returns as a JSON array in
// the response text: [{"name": ..., "arguments": {...}}].
func parseEmbeddedToolCalls(text string) []ToolCall {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		return nil
	}
	var raw []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &raw); err != nil {
		return nil
	}
	calls := make([]ToolCall, 0, len(raw))
	for _, rc := range raw {
		if rc.Name == "" {
			continue
		}
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: args,
		})
	}
	return calls
}

func approxRequestTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.TextContent())
	}
	return total / 4
}
