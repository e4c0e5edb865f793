package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/finchley/drover/harness"
	"github.com/finchley/drover/llm"
	"github.com/finchley/drover/store"
)

// fakeFactory builds runners backed by an offline scripted provider.
type fakeFactory struct {
	registry  *harness.Registry
	responses []*llm.Response
	handler   func(req llm.Request) (*llm.Response, error)
}

func (f *fakeFactory) NewRunner(emitter *harness.EventEmitter, snapshot store.ConfigSnapshot) (*harness.Runner, *harness.Plan, error) {
	echo := llm.NewEchoProvider()
	if f.handler != nil {
		echo.SetHandler(f.handler)
	} else {
		echo.Script(f.responses, nil)
	}
	client := llm.NewClient(llm.WithProvider(echo), llm.WithDefaultProvider("echo"))
	reg := f.registry
	if reg == nil {
		reg = harness.NewRegistry()
	}
	runner := harness.NewRunner(client, harness.NewDispatcher(reg, nil), emitter, nil, harness.RunConfig{
		Provider: "echo",
		MaxSteps: 5,
	})
	return runner, harness.NewPlan(), nil
}

// conn drives an adapter over in-process pipes.
type conn struct {
	t     *testing.T
	w     io.Writer
	lines chan map[string]any
}

func dialAdapter(t *testing.T, st *store.Store, factory RunnerFactory) *conn {
	t.Helper()
	adapter := NewAdapter(st, factory, nil)

	clientIn, adapterOut := io.Pipe()
	adapterIn, clientOut := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go adapter.Serve(ctx, adapterIn, adapterOut)
	t.Cleanup(func() {
		cancel()
		clientOut.Close()
		adapterOut.Close()
	})

	c := &conn{t: t, w: clientOut, lines: make(chan map[string]any, 256)}
	go func() {
		scanner := bufio.NewScanner(clientIn)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var msg map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &msg); err == nil {
				c.lines <- msg
			}
		}
	}()
	return c
}

func (c *conn) send(format string, args ...any) {
	c.t.Helper()
	if _, err := io.WriteString(c.w, fmt.Sprintf(format, args...)+"\n"); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

// response waits for the JSON-RPC response with the given id, buffering any
// notifications seen along the way into notes.
func (c *conn) response(id int, notes *[]map[string]any) map[string]any {
	c.t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-c.lines:
			if raw, ok := msg["id"]; ok {
				if n, ok := raw.(float64); ok && int(n) == id {
					return msg
				}
			}
			if notes != nil && msg["method"] == "session/update" {
				params := msg["params"].(map[string]any)
				*notes = append(*notes, params["update"].(map[string]any))
			}
		case <-deadline:
			c.t.Fatalf("no response for id %d", id)
		}
	}
}

func newSession(t *testing.T, c *conn) string {
	t.Helper()
	c.send(`{"jsonrpc":"2.0","id":100,"method":"session/new","params":{"cwd":"/tmp"}}`)
	resp := c.response(100, nil)
	result := resp["result"].(map[string]any)
	return result["sessionId"].(string)
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestInitialize(t *testing.T) {
	c := dialAdapter(t, testStore(t), &fakeFactory{})
	c.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}`)
	resp := c.response(1, nil)
	result := resp["result"].(map[string]any)
	if result["protocolVersion"] != float64(1) {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
}

func TestPromptStreamsAndPersists(t *testing.T) {
	st := testStore(t)
	c := dialAdapter(t, st, &fakeFactory{
		responses: []*llm.Response{llm.AssistantTextResponse("hello there")},
	})
	id := newSession(t, c)

	var notes []map[string]any
	c.send(`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"%s","prompt":"hi"}}`, id)
	resp := c.response(2, &notes)

	result := resp["result"].(map[string]any)
	if result["stopReason"] != StopEndTurn {
		t.Errorf("stopReason = %v, want end_turn", result["stopReason"])
	}

	sawChunk := false
	for _, note := range notes {
		if note["sessionUpdate"] == "agent_message_chunk" && note["text"] == "hello there" {
			sawChunk = true
		}
	}
	if !sawChunk {
		t.Errorf("no agent_message_chunk streamed; notes = %v", notes)
	}

	// The conversation survived: user turn plus assistant turn.
	state, err := st.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Conversation) != 2 {
		t.Errorf("persisted %d turns, want 2", len(state.Conversation))
	}
}

func TestPromptStreamsToolCalls(t *testing.T) {
	reg := harness.NewRegistry()
	reg.Register(harness.Tool{
		Name: "noop",
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			return "done", nil
		},
	})
	c := dialAdapter(t, testStore(t), &fakeFactory{
		registry: reg,
		responses: []*llm.Response{
			llm.AssistantToolCallResponse("using a tool",
				llm.ToolCall{ID: "t1", Name: "noop", Arguments: json.RawMessage(`{}`)}),
			llm.AssistantTextResponse("finished"),
		},
	})
	id := newSession(t, c)

	var notes []map[string]any
	c.send(`{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{"sessionId":"%s","prompt":"go"}}`, id)
	c.response(3, &notes)

	var kinds []string
	for _, note := range notes {
		kinds = append(kinds, note["sessionUpdate"].(string))
	}
	sawStart, sawEnd := false, false
	for _, k := range kinds {
		if k == "tool_call" {
			sawStart = true
		}
		if k == "tool_call_update" {
			sawEnd = true
		}
	}
	if !sawStart || !sawEnd {
		t.Errorf("tool lifecycle updates missing; kinds = %v", kinds)
	}
}

func TestCancelInterruptsPrompt(t *testing.T) {
	reg := harness.NewRegistry()
	started := make(chan struct{})
	reg.Register(harness.Tool{
		Name: "wait",
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	c := dialAdapter(t, testStore(t), &fakeFactory{
		registry: reg,
		responses: []*llm.Response{
			llm.AssistantToolCallResponse("waiting",
				llm.ToolCall{ID: "w1", Name: "wait", Arguments: json.RawMessage(`{}`)}),
		},
	})
	id := newSession(t, c)

	c.send(`{"jsonrpc":"2.0","id":4,"method":"session/prompt","params":{"sessionId":"%s","prompt":"block"}}`, id)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}
	c.send(`{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"%s"}}`, id)

	resp := c.response(4, nil)
	result := resp["result"].(map[string]any)
	if result["stopReason"] != StopCancelled {
		t.Errorf("stopReason = %v, want cancelled", result["stopReason"])
	}
}

func TestForkDoesNotAliasSource(t *testing.T) {
	st := testStore(t)
	c := dialAdapter(t, st, &fakeFactory{
		responses: []*llm.Response{llm.AssistantTextResponse("original answer")},
	})
	id := newSession(t, c)
	c.send(`{"jsonrpc":"2.0","id":5,"method":"session/prompt","params":{"sessionId":"%s","prompt":"hi"}}`, id)
	c.response(5, nil)

	c.send(`{"jsonrpc":"2.0","id":6,"method":"session/fork","params":{"sessionId":"%s"}}`, id)
	resp := c.response(6, nil)
	forkID := resp["result"].(map[string]any)["sessionId"].(string)
	if forkID == id {
		t.Fatal("fork reused the source id")
	}

	fork, err := st.Load(forkID)
	if err != nil {
		t.Fatal(err)
	}
	src, _ := st.Load(id)
	if len(fork.Conversation) != len(src.Conversation) {
		t.Errorf("fork has %d turns, source %d", len(fork.Conversation), len(src.Conversation))
	}

	// Prompting the fork must leave the source untouched.
	c.send(`{"jsonrpc":"2.0","id":7,"method":"session/prompt","params":{"sessionId":"%s","prompt":"more"}}`, forkID)
	c.response(7, nil)
	srcAfter, _ := st.Load(id)
	if len(srcAfter.Conversation) != len(src.Conversation) {
		t.Error("prompting the fork mutated the source session")
	}
}

func TestSessionList(t *testing.T) {
	st := testStore(t)
	c := dialAdapter(t, st, &fakeFactory{})
	a := newSession(t, c)
	b := newSession(t, c)

	c.send(`{"jsonrpc":"2.0","id":8,"method":"session/list"}`)
	resp := c.response(8, nil)
	sessions := resp["result"].(map[string]any)["sessions"].([]any)
	if len(sessions) != 2 {
		t.Fatalf("listed %d sessions, want 2", len(sessions))
	}
	ids := map[string]bool{}
	for _, s := range sessions {
		ids[s.(map[string]any)["sessionId"].(string)] = true
	}
	if !ids[a] || !ids[b] {
		t.Errorf("sessions = %v", ids)
	}
}

func TestSetModeAndModelPersist(t *testing.T) {
	st := testStore(t)
	c := dialAdapter(t, st, &fakeFactory{})
	id := newSession(t, c)

	c.send(`{"jsonrpc":"2.0","id":10,"method":"session/set_mode","params":{"sessionId":"%s","modeId":"plan"}}`, id)
	if resp := c.response(10, nil); resp["error"] != nil {
		t.Fatalf("set_mode: %v", resp["error"])
	}
	c.send(`{"jsonrpc":"2.0","id":11,"method":"session/set_model","params":{"sessionId":"%s","modelId":"claude-opus-4"}}`, id)
	if resp := c.response(11, nil); resp["error"] != nil {
		t.Fatalf("set_model: %v", resp["error"])
	}

	state, err := st.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	if state.Mode != "plan" {
		t.Errorf("mode = %q", state.Mode)
	}
	if state.Config.Model != "claude-opus-4" {
		t.Errorf("model = %q", state.Config.Model)
	}
}

func TestPromptUnknownSession(t *testing.T) {
	c := dialAdapter(t, testStore(t), &fakeFactory{})
	c.send(`{"jsonrpc":"2.0","id":9,"method":"session/prompt","params":{"sessionId":"ghost","prompt":"hi"}}`)
	resp := c.response(9, nil)
	if resp["error"] == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestPromptPersistsEachCommittedStep(t *testing.T) {
	st := testStore(t)

	// The tool reads the store while the run is still in flight, so its
	// second invocation observes the turns committed by the first step.
	var id string
	reg := harness.NewRegistry()
	reg.Register(harness.Tool{
		Name: "peek",
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			state, err := st.Load(id)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d", len(state.Conversation)), nil
		},
	})
	c := dialAdapter(t, st, &fakeFactory{
		registry: reg,
		responses: []*llm.Response{
			llm.AssistantToolCallResponse("first",
				llm.ToolCall{ID: "p1", Name: "peek", Arguments: json.RawMessage(`{}`)}),
			llm.AssistantToolCallResponse("second",
				llm.ToolCall{ID: "p2", Name: "peek", Arguments: json.RawMessage(`{}`)}),
			llm.AssistantTextResponse("done"),
		},
	})
	id = newSession(t, c)

	c.send(`{"jsonrpc":"2.0","id":12,"method":"session/prompt","params":{"sessionId":"%s","prompt":"go"}}`, id)
	c.response(12, nil)

	state, err := st.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	// user, assistant, results, assistant, results, assistant
	if len(state.Conversation) != 6 {
		t.Fatalf("persisted %d turns, want 6", len(state.Conversation))
	}
	// The second peek ran after the first step was committed: user,
	// assistant, and tool_results were already on disk.
	second := state.Conversation[4]
	if second.Kind != harness.TurnToolResults {
		t.Fatalf("turn 4 = %v, want tool_results", second.Kind)
	}
	if got := second.ToolResults.Results[0].Content; got != "3" {
		t.Errorf("mid-run persisted turn count = %q, want 3", got)
	}
}
