package mcp

import (
	"context"
	"encoding/json"
)

// Transport defines the interface for MCP transports.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for a response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Subscribe returns a channel of server notifications. Notifications
	// are dropped until the first call to Subscribe.
	Subscribe() <-chan *JSONRPCNotification

	// Connected returns whether the transport is connected.
	Connected() bool
}

// ExitStatus describes how the child process terminated.
type ExitStatus struct {
	Code int
	Err  error
}
