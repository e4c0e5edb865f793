package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/finchley/drover/harness"
	"github.com/finchley/drover/llm"
)

// Server exposes a tool registry over line-delimited JSON-RPC on a
// reader/writer pair (normally stdin/stdout). One request is handled at a
// time; responses are written in request order.
type Server struct {
	name       string
	version    string
	registry   *harness.Registry
	dispatcher *harness.Dispatcher
	logger     *slog.Logger

	writeMu sync.Mutex
}

// NewServer creates a Server over a registry and its dispatcher.
func NewServer(name, version string, registry *harness.Registry, dispatcher *harness.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		name:       name,
		version:    version,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger.With("component", "mcp-server"),
	}
}

// Serve reads requests from r until EOF or context cancellation, writing
// responses to w.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
			continue
		}
		// Notifications get no response.
		if req.ID == nil {
			continue
		}
		s.write(w, s.handle(ctx, req))
	}
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = initializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      serverInfo{Name: s.name, Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		}
	case "ping":
		resp.Result = map[string]any{}
	case "tools/list":
		resp.Result = s.listTools()
	case "tools/call":
		result, rpcErr := s.callTool(ctx, req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
	return resp
}

func (s *Server) listTools() toolsListResult {
	defs := s.registry.Definitions()
	tools := make([]toolDescriptor, 0, len(defs))
	for _, def := range defs {
		schema := def.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		tools = append(tools, toolDescriptor{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	return toolsListResult{Tools: tools}
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (*toolsCallResult, *rpcError) {
	var p toolsCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid tools/call params"}
	}
	if p.Name == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "tool name is required"}
	}

	result := s.dispatcher.Execute(ctx, llm.ToolCall{
		ID:        "mcp",
		Name:      p.Name,
		Arguments: p.Arguments,
	})
	// Tool failures stay in-band: they are results, not protocol errors.
	return &toolsCallResult{
		Content: []contentBlock{{Type: "text", Text: result.Content}},
		IsError: result.IsError,
	}, nil
}

func (s *Server) write(w io.Writer, resp rpcResponse) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write response", "error", err)
	}
}
