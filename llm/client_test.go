package llm

import (
	"context"
	"testing"
)

func fastRetry(n int) RetryPolicy {
	return RetryPolicy{MaxRetries: n, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.001}
}

func TestClientRoutesToDefaultProvider(t *testing.T) {
	echo := NewEchoProvider()
	c := NewClient(WithProvider(echo), WithRetryPolicy(fastRetry(0)))

	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{UserMessage("hello there")},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text() != "hello there" {
		t.Errorf("expected echo, got %q", resp.Text())
	}
	if resp.Provider != "echo" {
		t.Errorf("provider not stamped: %q", resp.Provider)
	}
}

func TestClientUnknownProvider(t *testing.T) {
	c := NewClient(WithProvider(NewEchoProvider()))
	_, err := c.Complete(context.Background(), Request{Provider: "nope"})
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T (%v)", err, err)
	}
}

func TestClientNoProviders(t *testing.T) {
	c := NewClient()
	_, err := c.Complete(context.Background(), Request{})
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T (%v)", err, err)
	}
}

func TestClientRetriesTransientErrors(t *testing.T) {
	echo := NewEchoProvider()
	echo.Script(
		[]*Response{nil, AssistantTextResponse("recovered")},
		[]error{ErrorFromStatusCode(503, "unavailable", "echo"), nil},
	)
	c := NewClient(WithProvider(echo), WithRetryPolicy(fastRetry(2)))

	resp, err := c.Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text() != "recovered" {
		t.Errorf("expected scripted recovery, got %q", resp.Text())
	}
	if echo.Calls() != 2 {
		t.Errorf("expected 2 provider calls, got %d", echo.Calls())
	}
}

func TestClientDoesNotRetryFatalErrors(t *testing.T) {
	echo := NewEchoProvider()
	echo.Script(nil, []error{ErrorFromStatusCode(401, "bad key", "echo")})
	c := NewClient(WithProvider(echo), WithRetryPolicy(fastRetry(3)))

	_, err := c.Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	if err == nil {
		t.Fatal("expected error")
	}
	if echo.Calls() != 1 {
		t.Errorf("auth error should not be retried; got %d calls", echo.Calls())
	}
}

func TestResponseToolCallExtraction(t *testing.T) {
	resp := AssistantToolCallResponse("thinking", ToolCall{ID: "c1", Name: "read_file"})
	calls := resp.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].ID != "c1" || calls[0].Name != "read_file" {
		t.Errorf("unexpected call: %+v", calls[0])
	}
	if string(calls[0].Arguments) != "{}" {
		t.Errorf("empty arguments should default to {}: %s", calls[0].Arguments)
	}
	if resp.Text() != "thinking" {
		t.Errorf("text part lost: %q", resp.Text())
	}
}

func TestParseEmbeddedToolCalls(t *testing.T) {
	text := `I'll check the file. [{"name": "read_file", "arguments": {"path": "main.go"}}]`
	calls := parseEmbeddedToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "read_file" {
		t.Errorf("unexpected name %q", calls[0].Name)
	}
	if parseEmbeddedToolCalls("plain text, no calls") != nil {
		t.Error("expected nil for plain text")
	}
}
