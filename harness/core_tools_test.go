package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/finchley/drover/audit"
	"github.com/finchley/drover/llm"
	"github.com/finchley/drover/policy"
	"github.com/finchley/drover/sandbox"
	"github.com/finchley/drover/shell"
	"github.com/finchley/drover/workspace"
)

func testToolset(t *testing.T, executeEnabled bool) (*Dispatcher, string) {
	t.Helper()
	dir := t.TempDir()
	guard, err := workspace.NewGuard(dir)
	if err != nil {
		t.Fatal(err)
	}
	ts := &Toolset{
		Env:   NewEnvironment(guard),
		Gate:  policy.NewGate(policy.Config{ExecuteEnabled: executeEnabled}),
		Audit: audit.Disabled(),
		Plan:  NewPlan(),
	}
	reg := NewRegistry()
	ts.Register(reg)
	return NewDispatcher(reg, nil), dir
}

func execTool(t *testing.T, d *Dispatcher, name string, args map[string]any) ToolResult {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	return d.Execute(context.Background(), llm.ToolCall{ID: "c", Name: name, Arguments: raw})
}

func TestFileToolsRoundTrip(t *testing.T) {
	d, dir := testToolset(t, false)

	result := execTool(t, d, "write_file", map[string]any{
		"file_path": "notes/hello.txt",
		"content":   "alpha\nbeta\ngamma\n",
	})
	if result.IsError {
		t.Fatalf("write_file: %+v", result)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes", "hello.txt")); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	result = execTool(t, d, "read_file", map[string]any{"file_path": "notes/hello.txt"})
	if result.IsError {
		t.Fatalf("read_file: %+v", result)
	}
	if !strings.Contains(result.Content, "2 | beta") {
		t.Errorf("read_file output = %q, want numbered lines", result.Content)
	}

	result = execTool(t, d, "edit_file", map[string]any{
		"file_path":  "notes/hello.txt",
		"old_string": "beta",
		"new_string": "delta",
	})
	if result.IsError {
		t.Fatalf("edit_file: %+v", result)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "notes", "hello.txt"))
	if !strings.Contains(string(data), "delta") {
		t.Error("edit not applied")
	}

	result = execTool(t, d, "list_dir", map[string]any{"path": "notes"})
	if result.IsError || !strings.Contains(result.Content, "hello.txt") {
		t.Errorf("list_dir = %+v", result)
	}

	result = execTool(t, d, "glob", map[string]any{"pattern": "notes/*.txt"})
	if result.IsError || !strings.Contains(result.Content, "notes/hello.txt") {
		t.Errorf("glob = %+v", result)
	}

	result = execTool(t, d, "grep", map[string]any{"pattern": "delta", "path": "notes"})
	if result.IsError || !strings.Contains(result.Content, "delta") {
		t.Errorf("grep = %+v", result)
	}
}

func TestFileToolsRejectEscapes(t *testing.T) {
	d, _ := testToolset(t, false)

	for _, tc := range []struct {
		tool string
		args map[string]any
	}{
		{"read_file", map[string]any{"file_path": "../outside.txt"}},
		{"write_file", map[string]any{"file_path": "../outside.txt", "content": "x"}},
		{"edit_file", map[string]any{"file_path": "../outside.txt", "old_string": "a", "new_string": "b"}},
		{"list_dir", map[string]any{"path": ".."}},
	} {
		t.Run(tc.tool, func(t *testing.T) {
			result := execTool(t, d, tc.tool, tc.args)
			if !result.IsError || result.ErrorKind != KindPathEscape {
				t.Errorf("result = %+v, want path_escape", result)
			}
		})
	}
}

func TestGlobRejectsEscapes(t *testing.T) {
	d, dir := testToolset(t, false)

	// A sibling of the workspace root: reachable by .. but outside it.
	sibling := filepath.Join(dir, "..", "secret.txt")
	if err := os.WriteFile(sibling, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	result := execTool(t, d, "glob", map[string]any{"pattern": "../*"})
	if !result.IsError || result.ErrorKind != KindPathEscape {
		t.Fatalf("result = %+v, want path_escape", result)
	}
}

func TestGlobSymlinkEscape(t *testing.T) {
	d, dir := testToolset(t, false)

	outside := filepath.Join(dir, "..", "outside.txt")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlink: %v", err)
	}

	result := execTool(t, d, "glob", map[string]any{"pattern": "*.txt"})
	if !result.IsError || result.ErrorKind != KindPathEscape {
		t.Fatalf("result = %+v, want path_escape for symlinked match", result)
	}
}

func TestEditFileRequiresUnique(t *testing.T) {
	d, dir := testToolset(t, false)
	os.WriteFile(filepath.Join(dir, "dup.txt"), []byte("aa aa"), 0o644)

	result := execTool(t, d, "edit_file", map[string]any{
		"file_path":  "dup.txt",
		"old_string": "aa",
		"new_string": "bb",
	})
	if !result.IsError || result.ErrorKind != KindExecutionFailed {
		t.Fatalf("result = %+v, want execution_failed for ambiguous match", result)
	}

	result = execTool(t, d, "edit_file", map[string]any{
		"file_path":   "dup.txt",
		"old_string":  "aa",
		"new_string":  "bb",
		"replace_all": true,
	})
	if result.IsError {
		t.Fatalf("replace_all failed: %+v", result)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "dup.txt"))
	if string(data) != "bb bb" {
		t.Errorf("content = %q", data)
	}
}

func TestShellToolGated(t *testing.T) {
	d, _ := testToolset(t, false)
	result := execTool(t, d, "shell", map[string]any{"command": "rm -rf /"})
	if !result.IsError || result.ErrorKind != KindPolicyDenied {
		t.Fatalf("result = %+v, want policy_denied", result)
	}
}

func TestShellToolRuns(t *testing.T) {
	d, _ := testToolset(t, true)

	result := execTool(t, d, "shell", map[string]any{"command": "echo shell-works"})
	if result.IsError {
		t.Fatalf("shell: %+v", result)
	}
	if !strings.Contains(result.Content, "shell-works") {
		t.Errorf("Content = %q", result.Content)
	}

	result = execTool(t, d, "shell", map[string]any{"command": "exit 4"})
	if result.IsError {
		t.Fatalf("non-zero exit should not be a tool error: %+v", result)
	}
	if !strings.Contains(result.Content, "exit code 4") {
		t.Errorf("Content = %q, want exit code noted", result.Content)
	}
}

func TestShellToolTimeout(t *testing.T) {
	d, _ := testToolset(t, true)
	result := execTool(t, d, "shell", map[string]any{"command": "sleep 30", "timeout_ms": 100})
	if !result.IsError || result.ErrorKind != KindTimeout {
		t.Fatalf("result = %+v, want timeout", result)
	}
}

func TestShellDenyList(t *testing.T) {
	dir := t.TempDir()
	guard, err := workspace.NewGuard(dir)
	if err != nil {
		t.Fatal(err)
	}
	ts := &Toolset{
		Env:   NewEnvironment(guard),
		Gate:  policy.NewGate(policy.Config{ExecuteEnabled: true, Deny: []string{"rm"}}),
		Audit: audit.Disabled(),
	}
	reg := NewRegistry()
	ts.Register(reg)
	d := NewDispatcher(reg, nil)

	result := execTool(t, d, "shell", map[string]any{"command": "rm -rf something"})
	if !result.IsError || result.ErrorKind != KindPolicyDenied {
		t.Fatalf("result = %+v, want policy_denied", result)
	}
	result = execTool(t, d, "shell", map[string]any{"command": "echo fine"})
	if result.IsError {
		t.Fatalf("allowed command failed: %+v", result)
	}
}

func TestUpdatePlanTool(t *testing.T) {
	dir := t.TempDir()
	guard, err := workspace.NewGuard(dir)
	if err != nil {
		t.Fatal(err)
	}
	plan := NewPlan()
	emitter := NewEventEmitter("run", 16)
	defer emitter.Close()
	ts := &Toolset{
		Env:     NewEnvironment(guard),
		Gate:    policy.NewGate(policy.Config{}),
		Audit:   audit.Disabled(),
		Plan:    plan,
		Emitter: emitter,
	}
	reg := NewRegistry()
	ts.Register(reg)
	d := NewDispatcher(reg, nil)

	result := execTool(t, d, "update_plan", map[string]any{
		"items": []map[string]any{
			{"text": "step one", "status": "done"},
			{"text": "step two", "status": "in_progress"},
		},
	})
	if result.IsError {
		t.Fatalf("update_plan: %+v", result)
	}
	items := plan.Items()
	if len(items) != 2 || items[1].Status != PlanInProgress {
		t.Errorf("plan = %v", items)
	}

	select {
	case ev := <-emitter.Events():
		if ev.Kind != EventPlanUpdate {
			t.Errorf("event = %s, want plan_update", ev.Kind)
		}
	default:
		t.Error("no plan_update event emitted")
	}

	result = execTool(t, d, "update_plan", map[string]any{
		"items": []map[string]any{{"text": "x", "status": "someday"}},
	})
	if !result.IsError || result.ErrorKind != KindInvalidArguments {
		t.Fatalf("invalid status: %+v, want invalid_arguments from schema", result)
	}
}

func TestReadFileOffsetLimit(t *testing.T) {
	d, dir := testToolset(t, false)
	var content string
	for i := 1; i <= 50; i++ {
		content += fmt.Sprintf("line%d\n", i)
	}
	os.WriteFile(filepath.Join(dir, "big.txt"), []byte(content), 0o644)

	result := execTool(t, d, "read_file", map[string]any{
		"file_path": "big.txt",
		"offset":    10,
		"limit":     3,
	})
	if result.IsError {
		t.Fatalf("read_file: %+v", result)
	}
	if !strings.Contains(result.Content, "10 | line10") || strings.Contains(result.Content, "line13") {
		t.Errorf("window wrong: %q", result.Content)
	}
}

func TestRunScriptEmptyArgumentsRejected(t *testing.T) {
	dir := t.TempDir()
	guard, err := workspace.NewGuard(dir)
	if err != nil {
		t.Fatal(err)
	}
	gate := policy.NewGate(policy.Config{ExecuteEnabled: true})
	ts := &Toolset{
		Env:     NewEnvironment(guard),
		Gate:    gate,
		Audit:   audit.Disabled(),
		Plan:    NewPlan(),
		Sandbox: sandbox.NewRunner(gate, guard, audit.Disabled(), nil),
	}
	reg := NewRegistry()
	ts.Register(reg)
	d := NewDispatcher(reg, nil)

	// Neither source nor path: the schema rejects the call before the
	// sandbox is ever consulted.
	result := execTool(t, d, "run_script", map[string]any{})
	if !result.IsError || result.ErrorKind != KindInvalidArguments {
		t.Fatalf("result = %+v, want %s", result, KindInvalidArguments)
	}
}

func TestSessionToolsEmitActivity(t *testing.T) {
	dir := t.TempDir()
	guard, err := workspace.NewGuard(dir)
	if err != nil {
		t.Fatal(err)
	}
	gate := policy.NewGate(policy.Config{ExecuteEnabled: true})
	emitter := NewEventEmitter("run", 16)
	defer emitter.Close()
	manager := shell.NewManager(gate, audit.Disabled(), nil)
	defer manager.Shutdown()
	ts := &Toolset{
		Env:      NewEnvironment(guard),
		Gate:     gate,
		Audit:    audit.Disabled(),
		Plan:     NewPlan(),
		Emitter:  emitter,
		Sessions: manager,
	}
	reg := NewRegistry()
	ts.Register(reg)
	d := NewDispatcher(reg, nil)

	result := execTool(t, d, "spawn_bash", map[string]any{"command": "cat"})
	if result.IsError {
		t.Fatalf("spawn_bash: %+v", result)
	}
	var sessionID string
	select {
	case ev := <-emitter.Events():
		if ev.Kind != EventSessionActivity {
			t.Fatalf("event = %s, want session_activity", ev.Kind)
		}
		if ev.Data["action"] != "spawned" {
			t.Errorf("action = %v, want spawned", ev.Data["action"])
		}
		sessionID, _ = ev.Data["session_id"].(string)
	default:
		t.Fatal("spawn emitted no session_activity event")
	}

	result = execTool(t, d, "stop_bash", map[string]any{"session_id": sessionID})
	if result.IsError {
		t.Fatalf("stop_bash: %+v", result)
	}
	select {
	case ev := <-emitter.Events():
		if ev.Kind != EventSessionActivity || ev.Data["action"] != "stopped" {
			t.Errorf("event = %s/%v, want session_activity/stopped", ev.Kind, ev.Data["action"])
		}
	default:
		t.Fatal("stop emitted no session_activity event")
	}
}
