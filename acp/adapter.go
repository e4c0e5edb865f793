package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/finchley/drover/harness"
	"github.com/finchley/drover/store"
)

// RunnerFactory builds a Runner for one prompt. The adapter owns session
// state and event plumbing; the host decides providers, tools, and policy.
type RunnerFactory interface {
	NewRunner(emitter *harness.EventEmitter, snapshot store.ConfigSnapshot) (*harness.Runner, *harness.Plan, error)
}

// activeRun tracks one in-flight prompt.
type activeRun struct {
	cancel context.CancelFunc
	phase  SessionPhase
}

// Adapter serves the agent-session protocol over a reader/writer pair.
// Prompts run concurrently with the read loop so cancellation requests are
// honored mid-run; one prompt per session at a time.
type Adapter struct {
	store   *store.Store
	factory RunnerFactory
	logger  *slog.Logger

	writeMu sync.Mutex
	w       io.Writer

	mu     sync.Mutex
	active map[string]*activeRun
}

// NewAdapter creates an Adapter.
func NewAdapter(st *store.Store, factory RunnerFactory, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		store:   st,
		factory: factory,
		logger:  logger.With("component", "acp"),
		active:  make(map[string]*activeRun),
	}
}

// Serve reads requests until EOF. Responses and notifications share one
// serialized writer.
func (a *Adapter) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	a.w = w
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		// The prompt handler runs concurrently with further scans, so it
		// must not alias the scanner's reusable buffer.
		line := append([]byte(nil), scanner.Bytes()...)
		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			a.writeResponse(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
			continue
		}

		switch req.Method {
		case "session/cancel":
			// Handled inline so it interrupts a running prompt.
			a.handleCancel(req.Params)
		case "session/prompt":
			wg.Add(1)
			go func(req rpcRequest) {
				defer wg.Done()
				a.writeResponse(a.handlePrompt(ctx, req))
			}(req)
		default:
			if req.ID == nil {
				continue
			}
			a.writeResponse(a.handle(req))
		}
	}
	return scanner.Err()
}

func (a *Adapter) handle(req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		var params initializeParams
		json.Unmarshal(req.Params, &params)
		resp.Result = initializeResult{
			ProtocolVersion: 1,
			AgentInfo:       agentInfo{Name: "drover", Version: "dev"},
			Capabilities: map[string]any{
				"loadSession": true,
				"forkSession": true,
			},
		}
	case "session/new":
		resp = a.handleSessionNew(req)
	case "session/load":
		resp = a.handleSessionLoad(req)
	case "session/list":
		resp = a.handleSessionList(req)
	case "session/fork":
		resp = a.handleSessionFork(req)
	case "session/set_mode":
		resp = a.handleSetMode(req)
	case "session/set_model":
		resp = a.handleSetModel(req)
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
	return resp
}

func (a *Adapter) handleSessionNew(req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	var params sessionNewParams
	json.Unmarshal(req.Params, &params)

	state := &store.State{
		ID:     store.NewID(),
		Config: store.ConfigSnapshot{Workspace: params.Cwd},
	}
	if err := a.store.Save(state); err != nil {
		resp.Error = &rpcError{Code: codeInternalError, Message: err.Error()}
		return resp
	}
	resp.Result = sessionIDResult{SessionID: state.ID}
	return resp
}

func (a *Adapter) handleSessionLoad(req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	var params sessionIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" {
		resp.Error = &rpcError{Code: codeInvalidParams, Message: "sessionId is required"}
		return resp
	}
	state, err := a.store.Load(params.SessionID)
	if err != nil {
		resp.Error = &rpcError{Code: codeInvalidParams, Message: err.Error()}
		return resp
	}

	// Replay the conversation so the client can render history.
	for _, turn := range state.Conversation {
		switch turn.Kind {
		case harness.TurnUser:
			a.notifyUpdate(state.ID, map[string]any{
				"sessionUpdate": "user_message_chunk",
				"text":          turn.TextContent(),
			})
		case harness.TurnAssistant:
			a.notifyUpdate(state.ID, map[string]any{
				"sessionUpdate": "agent_message_chunk",
				"text":          turn.TextContent(),
			})
		}
	}
	resp.Result = sessionIDResult{SessionID: state.ID}
	return resp
}

func (a *Adapter) handleSessionList(req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	metas, err := a.store.List()
	if err != nil {
		resp.Error = &rpcError{Code: codeInternalError, Message: err.Error()}
		return resp
	}
	result := sessionListResult{Sessions: []sessionSummary{}}
	for _, meta := range metas {
		result.Sessions = append(result.Sessions, sessionSummary{
			SessionID: meta.ID,
			Turns:     meta.Turns,
			UpdatedAt: meta.UpdatedAt.Format(time.RFC3339),
		})
	}
	resp.Result = result
	return resp
}

func (a *Adapter) handleSessionFork(req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	var params sessionIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" {
		resp.Error = &rpcError{Code: codeInvalidParams, Message: "sessionId is required"}
		return resp
	}
	fork, err := a.store.Fork(params.SessionID)
	if err != nil {
		resp.Error = &rpcError{Code: codeInvalidParams, Message: err.Error()}
		return resp
	}
	resp.Result = sessionIDResult{SessionID: fork.ID}
	return resp
}

// handleSetMode records the client's chosen session mode; it has no effect
// on the loop itself but is persisted so a resumed client sees it again.
func (a *Adapter) handleSetMode(req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	var params setModeParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" {
		resp.Error = &rpcError{Code: codeInvalidParams, Message: "sessionId is required"}
		return resp
	}
	state, err := a.store.Load(params.SessionID)
	if err != nil {
		resp.Error = &rpcError{Code: codeInvalidParams, Message: err.Error()}
		return resp
	}
	state.Mode = params.ModeID
	if err := a.store.Save(state); err != nil {
		resp.Error = &rpcError{Code: codeInternalError, Message: err.Error()}
		return resp
	}
	resp.Result = map[string]any{}
	return resp
}

// handleSetModel switches the model used for the session's future prompts.
func (a *Adapter) handleSetModel(req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	var params setModelParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" {
		resp.Error = &rpcError{Code: codeInvalidParams, Message: "sessionId is required"}
		return resp
	}
	state, err := a.store.Load(params.SessionID)
	if err != nil {
		resp.Error = &rpcError{Code: codeInvalidParams, Message: err.Error()}
		return resp
	}
	state.Config.Model = params.ModelID
	if err := a.store.Save(state); err != nil {
		resp.Error = &rpcError{Code: codeInternalError, Message: err.Error()}
		return resp
	}
	resp.Result = map[string]any{}
	return resp
}

func (a *Adapter) handleCancel(params json.RawMessage) {
	var p sessionIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	a.mu.Lock()
	run, ok := a.active[p.SessionID]
	if ok {
		run.phase = PhaseCancelled
	}
	a.mu.Unlock()
	if ok {
		run.cancel()
	}
}

// handlePrompt runs one prompt to completion, persisting the session after
// each committed step and once more at the end. A cancelled run persists
// only fully-committed steps.
func (a *Adapter) handlePrompt(ctx context.Context, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	var params promptParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionID == "" {
		resp.Error = &rpcError{Code: codeInvalidParams, Message: "sessionId and prompt are required"}
		return resp
	}

	state, err := a.store.Load(params.SessionID)
	if err != nil {
		resp.Error = &rpcError{Code: codeInvalidParams, Message: err.Error()}
		return resp
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	if _, busy := a.active[params.SessionID]; busy {
		a.mu.Unlock()
		resp.Error = &rpcError{Code: codeInvalidParams, Message: "session already has a prompt in flight"}
		return resp
	}
	run := &activeRun{cancel: cancel, phase: PhaseStreaming}
	a.active[params.SessionID] = run
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.active, params.SessionID)
		a.mu.Unlock()
	}()

	emitter := harness.NewEventEmitter(params.SessionID, 1024)
	runner, plan, err := a.factory.NewRunner(emitter, state.Config)
	if err != nil {
		emitter.Close()
		resp.Error = &rpcError{Code: codeInternalError, Message: err.Error()}
		return resp
	}

	// Persist after every committed step so a crash or cancellation loses at
	// most the in-flight step. The callback runs synchronously inside Run,
	// so mutating state here does not race the final save below.
	runner.OnStepCommit(func(history []harness.Turn) {
		state.Conversation = history
		if plan != nil {
			state.Plan = plan.Items()
		}
		if err := a.store.Save(state); err != nil {
			a.logger.Error("session save failed", "session_id", params.SessionID, "error", err)
		}
	})

	var forwardDone sync.WaitGroup
	forwardDone.Add(1)
	go func() {
		defer forwardDone.Done()
		a.forwardEvents(params.SessionID, run, emitter.Events())
	}()

	history := append(state.Conversation, harness.NewUserTurn(params.Prompt))
	result := runner.Run(runCtx, history)
	emitter.Close()
	forwardDone.Wait()

	// Final save picks up the closing assistant turn; a discarded in-flight
	// step is absent from result.History by construction.
	state.Conversation = result.History
	if plan != nil {
		state.Plan = plan.Items()
	}
	if err := a.store.Save(state); err != nil {
		a.logger.Error("session save failed", "session_id", params.SessionID, "error", err)
	}

	switch result.Reason {
	case harness.TerminationCompleted:
		resp.Result = promptResult{StopReason: StopEndTurn}
	case harness.TerminationMaxSteps:
		resp.Result = promptResult{StopReason: StopMaxSteps}
	case harness.TerminationCancelled:
		resp.Result = promptResult{StopReason: StopCancelled}
	case harness.TerminationProviderError:
		resp.Error = &rpcError{Code: codeInternalError, Message: result.Err.Error()}
	}
	return resp
}

// forwardEvents translates run events into session/update notifications and
// drives the per-session phase machine.
func (a *Adapter) forwardEvents(sessionID string, run *activeRun, events <-chan harness.Event) {
	setPhase := func(phase SessionPhase) {
		a.mu.Lock()
		if run.phase != PhaseCancelled {
			run.phase = phase
		}
		a.mu.Unlock()
	}

	for event := range events {
		switch event.Kind {
		case harness.EventAssistantText:
			setPhase(PhaseStreaming)
			a.notifyUpdate(sessionID, map[string]any{
				"sessionUpdate": "agent_message_chunk",
				"text":          event.Data["text"],
			})
		case harness.EventReasoning:
			a.notifyUpdate(sessionID, map[string]any{
				"sessionUpdate": "agent_thought_chunk",
				"text":          event.Data["text"],
			})
		case harness.EventToolCallStart:
			setPhase(PhaseToolCallPending)
			a.notifyUpdate(sessionID, map[string]any{
				"sessionUpdate": "tool_call",
				"toolCallId":    event.Data["call_id"],
				"title":         event.Data["tool"],
				"status":        "in_progress",
			})
		case harness.EventToolCallEnd:
			setPhase(PhaseToolCallComplete)
			status := "completed"
			if isErr, _ := event.Data["is_error"].(bool); isErr {
				status = "failed"
			}
			a.notifyUpdate(sessionID, map[string]any{
				"sessionUpdate": "tool_call_update",
				"toolCallId":    event.Data["call_id"],
				"status":        status,
				"output":        firstNonNil(event.Data["output"], event.Data["error"]),
			})
		case harness.EventPlanUpdate:
			a.notifyUpdate(sessionID, map[string]any{
				"sessionUpdate": "plan",
				"entries":       event.Data["items"],
			})
		case harness.EventRunEnd:
			setPhase(PhaseIdle)
		}
	}
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// Phase reports a session's current protocol phase; idle when no prompt is
// in flight.
func (a *Adapter) Phase(sessionID string) SessionPhase {
	a.mu.Lock()
	defer a.mu.Unlock()
	if run, ok := a.active[sessionID]; ok {
		return run.phase
	}
	return PhaseIdle
}

func (a *Adapter) notifyUpdate(sessionID string, update map[string]any) {
	params, err := json.Marshal(sessionUpdate{SessionID: sessionID, Update: update})
	if err != nil {
		return
	}
	a.writeRaw(rpcRequest{JSONRPC: "2.0", Method: "session/update", Params: params})
}

func (a *Adapter) writeResponse(resp rpcResponse) {
	a.writeLine(resp)
}

func (a *Adapter) writeRaw(req rpcRequest) {
	a.writeLine(req)
}

func (a *Adapter) writeLine(v any) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		a.logger.Error("encode message", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		a.logger.Error("write message", "error", err)
	}
}
