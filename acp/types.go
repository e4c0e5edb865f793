// Package acp implements the agent-session protocol: a line-delimited
// JSON-RPC surface over stdio that streams run progress to a client and
// exposes session lifecycle operations (new, load, list, fork, prompt,
// cancel).
package acp

import "encoding/json"

type rpcRequest struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Result  any              `json:"result,omitempty"`
	Error   *rpcError        `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// SessionPhase is the protocol-visible state of one session.
type SessionPhase string

const (
	PhaseIdle             SessionPhase = "idle"
	PhaseStreaming        SessionPhase = "streaming"
	PhaseToolCallPending  SessionPhase = "tool_call_pending"
	PhaseToolCallComplete SessionPhase = "tool_call_complete"
	PhaseCancelled        SessionPhase = "cancelled"
)

// Stop reasons reported when a prompt finishes.
const (
	StopEndTurn    = "end_turn"
	StopMaxSteps   = "max_steps_reached"
	StopCancelled  = "cancelled"
	StopFatalError = "fatal_provider_error"
)

type initializeParams struct {
	ProtocolVersion int `json:"protocolVersion"`
}

type initializeResult struct {
	ProtocolVersion int            `json:"protocolVersion"`
	AgentInfo       agentInfo      `json:"agentInfo"`
	Capabilities    map[string]any `json:"agentCapabilities"`
}

type agentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type sessionNewParams struct {
	Cwd string `json:"cwd,omitempty"`
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

type sessionIDResult struct {
	SessionID string `json:"sessionId"`
}

type sessionListResult struct {
	Sessions []sessionSummary `json:"sessions"`
}

type sessionSummary struct {
	SessionID string `json:"sessionId"`
	Turns     int    `json:"turns"`
	UpdatedAt string `json:"updatedAt"`
}

type setModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

type setModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

type promptParams struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

type promptResult struct {
	StopReason string `json:"stopReason"`
}

// sessionUpdate is the streamed notification payload.
type sessionUpdate struct {
	SessionID string         `json:"sessionId"`
	Update    map[string]any `json:"update"`
}
