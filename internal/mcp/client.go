package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Client is an MCP client bound to a single tool server.
type Client struct {
	config     *ServerConfig
	transport  Transport
	logger     *slog.Logger
	clientInfo ClientInfo
	validator  *ArgumentValidator

	tools []*MCPTool
	mu    sync.RWMutex

	serverInfo   ServerInfo
	capabilities Capabilities

	stopWatch chan struct{}
	stopOnce  sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the default stdio transport.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithClientInfo sets the name and version sent during initialize.
func WithClientInfo(name, version string) Option {
	return func(c *Client) { c.clientInfo = ClientInfo{Name: name, Version: version} }
}

// WithObserver attaches a metrics observer to the default stdio transport.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if st, ok := c.transport.(*StdioTransport); ok && o != nil {
			st.SetObserver(o)
		}
	}
}

// NewClient creates a new MCP client.
func NewClient(cfg *ServerConfig, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		config:     cfg,
		logger:     logger.With("mcp_server", cfg.ID),
		clientInfo: ClientInfo{Name: "mcpbridge", Version: "0.1.0"},
		validator:  NewArgumentValidator(),
		stopWatch:  make(chan struct{}),
	}
	c.transport = NewStdioTransport(cfg, logger)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts the server and performs the initialize handshake, then
// loads the tool list. Spawn failures and malformed handshake responses are
// reported as *StartupError.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		var se *StartupError
		if errors.As(err, &se) {
			return err
		}
		return &StartupError{Stage: "spawn", Err: err}
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      c.clientInfo,
	})
	if err != nil {
		_ = c.transport.Close()
		return &StartupError{Stage: "initialize", Err: err}
	}

	initResult, err := parseInitializeResult(result)
	if err != nil {
		_ = c.transport.Close()
		return &StartupError{Stage: "initialize", Err: err}
	}

	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.capabilities = initResult.Capabilities
	c.mu.Unlock()

	c.logger.Info("connected to MCP server",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		_ = c.transport.Close()
		return &StartupError{Stage: "initialized", Err: err}
	}

	if initResult.Capabilities.Tools != nil && initResult.Capabilities.Tools.ListChanged {
		go c.watchNotifications(c.transport.Subscribe())
	}

	if _, err := c.ListTools(ctx); err != nil {
		c.logger.Warn("failed to list tools", "error", err)
	}

	return nil
}

func parseInitializeResult(raw json.RawMessage) (*InitializeResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("malformed initialize result: %q", truncate(string(trimmed), 64))
	}
	var res InitializeResult
	if err := json.Unmarshal(trimmed, &res); err != nil {
		return nil, fmt.Errorf("malformed initialize result: %w", err)
	}
	return &res, nil
}

// watchNotifications refreshes the tool cache when the server announces a
// change.
func (c *Client) watchNotifications(events <-chan *JSONRPCNotification) {
	for {
		select {
		case <-c.stopWatch:
			return
		case notif, ok := <-events:
			if !ok {
				return
			}
			if notif.Method != "notifications/tools/list_changed" {
				continue
			}
			if _, err := c.ListTools(context.Background()); err != nil {
				c.logger.Warn("failed to refresh tools", "error", err)
			}
		}
	}
}

// Close closes the connection to the MCP server.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopWatch) })
	return c.transport.Close()
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig {
	return c.config
}

// ServerInfo returns information about the connected server.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Done is closed once the transport stops accepting calls, typically
// because the tool server exited. It is nil for transports that cannot
// report this.
func (c *Client) Done() <-chan struct{} {
	if d, ok := c.transport.(interface{ Done() <-chan struct{} }); ok {
		return d.Done()
	}
	return nil
}

// Connected returns whether the client is connected.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// ListTools fetches the tool list from the server and refreshes the cache.
func (c *Client) ListTools(ctx context.Context) ([]*MCPTool, error) {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	c.validator.Reset()

	c.logger.Debug("refreshed tools", "count", len(resp.Tools))
	return resp.Tools, nil
}

// Tools returns the cached tools.
func (c *Client) Tools() []*MCPTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*MCPTool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Tool looks up a cached tool by name.
func (c *Client) Tool(name string) (*MCPTool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t != nil && t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// ValidateArguments checks args against the named tool's input schema.
func (c *Client) ValidateArguments(name string, args map[string]any) error {
	tool, ok := c.Tool(name)
	if !ok {
		return &RemoteError{Code: ErrCodeToolNotFound, Message: "unknown tool: " + name}
	}
	return c.validator.Validate(tool, args)
}

// CallTool calls a tool on the MCP server. A result flagged isError is
// returned together with a *RemoteError so callers may still inspect the
// content.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	argsJSON, err := json.Marshal(arguments)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}

	result, err := c.transport.Call(ctx, "tools/call", CallToolParams{
		Name:      name,
		Arguments: argsJSON,
	})
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}

	if callResult.IsError {
		msg := callResult.Text()
		if msg == "" {
			msg = "tool reported an error"
		}
		return &callResult, &RemoteError{Code: ErrCodeToolFailed, Message: msg}
	}
	return &callResult, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
