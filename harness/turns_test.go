package harness

import (
	"encoding/json"
	"testing"

	"github.com/finchley/drover/llm"
)

func TestHistoryToMessagesPreservesToolCallLinkage(t *testing.T) {
	resp := llm.AssistantToolCallResponse("checking",
		llm.ToolCall{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a.go"}`)})
	history := []Turn{
		NewUserTurn("what is in a.go?"),
		NewAssistantTurn(resp),
		NewToolResultsTurn([]ToolResult{{ToolCallID: "c1", Name: "read_file", Content: "package a"}}),
	}

	messages := HistoryToMessages(history)
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	if messages[0].Role != llm.RoleUser {
		t.Errorf("messages[0].Role = %v", messages[0].Role)
	}

	// The assistant message must carry the tool call the result references.
	var callID string
	for _, part := range messages[1].Content {
		if part.Kind == llm.ContentToolCall && part.ToolCall != nil {
			callID = part.ToolCall.ID
		}
	}
	if callID != "c1" {
		t.Fatalf("assistant message carries call id %q, want c1", callID)
	}
	found := false
	for _, part := range messages[2].Content {
		if part.Kind == llm.ContentToolResult && part.ToolResult != nil && part.ToolResult.ToolCallID == "c1" {
			found = true
		}
	}
	if !found {
		t.Error("tool result message does not reference call c1")
	}
}

func TestSystemTurnBecomesSystemMessage(t *testing.T) {
	messages := HistoryToMessages([]Turn{NewSystemTurn("be brief")})
	if len(messages) != 1 || messages[0].Role != llm.RoleSystem {
		t.Fatalf("messages = %+v", messages)
	}
}

func TestTextContent(t *testing.T) {
	tests := []struct {
		name string
		turn Turn
		want string
	}{
		{"user", NewUserTurn("hello"), "hello"},
		{"assistant", NewAssistantTurn(llm.AssistantTextResponse("hi")), "hi"},
		{"system", NewSystemTurn("sys"), "sys"},
		{"tool results", NewToolResultsTurn(nil), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.turn.TextContent(); got != tt.want {
				t.Errorf("TextContent() = %q, want %q", got, tt.want)
			}
		})
	}
}
