package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/finchley/drover/harness"
)

// ServerConfig describes one external tool server to spawn.
type ServerConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// serversFile is the on-disk configuration format.
type serversFile struct {
	Servers map[string]struct {
		Command string            `json:"command"`
		Args    []string          `json:"args,omitempty"`
		Env     map[string]string `json:"env,omitempty"`
	} `json:"mcpServers"`
}

// LoadServerConfigs reads an external tool-server configuration file.
func LoadServerConfigs(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool server config: %w", err)
	}
	var file serversFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tool server config: %w", err)
	}
	configs := make([]ServerConfig, 0, len(file.Servers))
	for name, entry := range file.Servers {
		configs = append(configs, ServerConfig{
			Name:    name,
			Command: entry.Command,
			Args:    entry.Args,
			Env:     entry.Env,
		})
	}
	return configs, nil
}

// callTimeout bounds one request/response round trip to a server.
const callTimeout = 30 * time.Second

// Client talks line-delimited JSON-RPC to one tool server. Calls are
// single-flight: the protocol over a pipe has no interleaving to exploit.
// A dedicated goroutine owns the read side so a server that stops
// responding cannot block a call past its deadline.
type Client struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	w      io.Writer
	cmd    *exec.Cmd

	lines   chan []byte
	readErr error // set before lines is closed
}

// NewClient wraps an existing transport. Used directly by tests; production
// code goes through Dial.
func NewClient(name string, r io.Reader, w io.Writer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:   name,
		logger: logger.With("component", "mcp-client", "server", name),
		w:      w,
		lines:  make(chan []byte, 16),
	}
	go c.readLoop(bufio.NewReaderSize(r, 1024*1024))
	return c
}

// readLoop delivers raw response lines until the transport errors or closes.
func (c *Client) readLoop(r *bufio.Reader) {
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			c.lines <- line
		}
		if err != nil {
			c.readErr = err
			close(c.lines)
			return
		}
	}
}

// Dial spawns the configured server process and completes the initialize
// handshake.
func Dial(cfg ServerConfig, logger *slog.Logger) (*Client, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.Name, err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn tool server %s: %w", cfg.Name, err)
	}

	c := NewClient(cfg.Name, stdout, stdin, logger)
	c.cmd = cmd
	if err := c.Initialize(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize() error {
	var result initializeResult
	if err := c.call(context.Background(), "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "drover", "version": "dev"},
		"capabilities":    map[string]any{},
	}, &result); err != nil {
		return fmt.Errorf("initialize %s: %w", c.name, err)
	}
	c.notify("notifications/initialized", nil)
	return nil
}

// Close shuts the transport and reaps the server process if one was
// spawned.
func (c *Client) Close() error {
	if closer, ok := c.w.(io.Closer); ok {
		closer.Close()
	}
	if c.cmd != nil {
		done := make(chan struct{})
		go func() {
			c.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			c.cmd.Process.Kill()
			<-done
		}
	}
	return nil
}

// Tools fetches the server's tool list and wraps each tool as a registry
// capability named serverName__toolName.
func (c *Client) Tools() ([]harness.Tool, error) {
	var result toolsListResult
	if err := c.call(context.Background(), "tools/list", map[string]any{}, &result); err != nil {
		return nil, fmt.Errorf("tools/list %s: %w", c.name, err)
	}

	tools := make([]harness.Tool, 0, len(result.Tools))
	for _, desc := range result.Tools {
		remote := desc.Name
		tools = append(tools, harness.Tool{
			Name:        c.name + "__" + remote,
			Description: desc.Description,
			Parameters:  desc.InputSchema,
			Timeout:     callTimeout,
			Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
				return c.CallTool(ctx, remote, args)
			},
		})
	}
	return tools, nil
}

// CallTool invokes one remote tool and returns its text content. In-band
// tool failures come back as errors so the dispatcher classifies them.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var result toolsCallResult
	err := c.call(ctx, "tools/call", toolsCallParams{Name: name, Arguments: args}, &result)
	if err != nil {
		return "", fmt.Errorf("call %s on %s: %w", name, c.name, err)
	}

	text := ""
	for _, block := range result.Content {
		if block.Type == "text" {
			if text != "" {
				text += "\n"
			}
			text += block.Text
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, text)
	}
	return text, nil
}

// RegisterTools merges every configured server's tools into the registry.
// A server that fails to start is logged and skipped; the rest still load.
func RegisterTools(configs []ServerConfig, registry *harness.Registry, logger *slog.Logger) []*Client {
	if logger == nil {
		logger = slog.Default()
	}
	var clients []*Client
	for _, cfg := range configs {
		client, err := Dial(cfg, logger)
		if err != nil {
			logger.Warn("tool server unavailable", "server", cfg.Name, "error", err)
			continue
		}
		tools, err := client.Tools()
		if err != nil {
			logger.Warn("tool listing failed", "server", cfg.Name, "error", err)
			client.Close()
			continue
		}
		for _, tool := range tools {
			registry.Register(tool)
		}
		logger.Info("tool server connected", "server", cfg.Name, "tools", len(tools))
		clients = append(clients, client)
	}
	return clients
}

// call sends one request and decodes the matching response into out. The
// wait is bounded by both ctx and callTimeout; an unanswered request is
// abandoned, and its late response is discarded by id matching.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	rawID := json.RawMessage(fmt.Sprintf("%d", id))

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}
	req := rpcRequest{JSONRPC: "2.0", ID: &rawID, Method: method, Params: paramsJSON}
	if err := c.send(req); err != nil {
		return err
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	for {
		var line []byte
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", method, ctx.Err())
		case <-timer.C:
			return fmt.Errorf("%s: no response within %s", method, callTimeout)
		case l, ok := <-c.lines:
			if !ok {
				return fmt.Errorf("%s: read response: %w", method, c.readErr)
			}
			line = l
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("unparseable server message", "error", err)
			continue
		}
		// Skip notifications and stale responses.
		if resp.ID == nil || string(*resp.ID) != string(rawID) {
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: server error %d: %s", method, resp.Error.Code, resp.Error.Message)
		}
		if out != nil {
			resultJSON, err := json.Marshal(resp.Result)
			if err != nil {
				return err
			}
			return json.Unmarshal(resultJSON, out)
		}
		return nil
	}
}

// notify sends a request with no id; no response is expected.
func (c *Client) notify(method string, params any) {
	paramsJSON, _ := json.Marshal(params)
	if err := c.send(rpcRequest{JSONRPC: "2.0", Method: method, Params: paramsJSON}); err != nil {
		c.logger.Warn("notify failed", "method", method, "error", err)
	}
}

func (c *Client) send(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = c.w.Write(data)
	return err
}
