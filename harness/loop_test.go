package harness

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/finchley/drover/llm"
)

func historyWithCalls(calls ...llm.ToolCall) []Turn {
	var history []Turn
	for i, call := range calls {
		resp := llm.AssistantToolCallResponse(fmt.Sprintf("step %d", i), call)
		history = append(history, NewAssistantTurn(resp))
		history = append(history, NewToolResultsTurn([]ToolResult{{ToolCallID: call.ID, Name: call.Name, Content: "ok"}}))
	}
	return history
}

func sigCall(name, args string) llm.ToolCall {
	return llm.ToolCall{ID: "c", Name: name, Arguments: json.RawMessage(args)}
}

func TestDetectRepetition(t *testing.T) {
	tests := []struct {
		name   string
		calls  []llm.ToolCall
		window int
		want   bool
	}{
		{
			name: "same call repeated",
			calls: []llm.ToolCall{
				sigCall("read_file", `{"path":"a.go"}`), sigCall("read_file", `{"path":"a.go"}`),
				sigCall("read_file", `{"path":"a.go"}`), sigCall("read_file", `{"path":"a.go"}`),
				sigCall("read_file", `{"path":"a.go"}`), sigCall("read_file", `{"path":"a.go"}`),
			},
			window: 6,
			want:   true,
		},
		{
			name: "alternating pair",
			calls: []llm.ToolCall{
				sigCall("grep", `{"pattern":"x"}`), sigCall("read_file", `{"path":"a.go"}`),
				sigCall("grep", `{"pattern":"x"}`), sigCall("read_file", `{"path":"a.go"}`),
				sigCall("grep", `{"pattern":"x"}`), sigCall("read_file", `{"path":"a.go"}`),
			},
			window: 6,
			want:   true,
		},
		{
			name: "same tool different arguments",
			calls: []llm.ToolCall{
				sigCall("read_file", `{"path":"a.go"}`), sigCall("read_file", `{"path":"b.go"}`),
				sigCall("read_file", `{"path":"c.go"}`), sigCall("read_file", `{"path":"d.go"}`),
				sigCall("read_file", `{"path":"e.go"}`), sigCall("read_file", `{"path":"f.go"}`),
			},
			window: 6,
			want:   false,
		},
		{
			name: "too few calls",
			calls: []llm.ToolCall{
				sigCall("read_file", `{"path":"a.go"}`), sigCall("read_file", `{"path":"a.go"}`),
			},
			window: 6,
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := historyWithCalls(tt.calls...)
			if got := DetectRepetition(history, tt.window); got != tt.want {
				t.Errorf("DetectRepetition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectRepetitionIgnoresNonAssistantTurns(t *testing.T) {
	history := []Turn{NewUserTurn("hello"), NewSystemTurn("be brief")}
	if DetectRepetition(history, 6) {
		t.Error("history without tool calls flagged as repetitive")
	}
}
