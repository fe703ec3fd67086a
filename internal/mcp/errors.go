package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTransportClosed is returned for calls that were in flight, or
	// issued, after the transport shut down or the child process exited.
	ErrTransportClosed = errors.New("transport closed")

	// ErrNotConnected is returned when the transport was never started.
	ErrNotConnected = errors.New("not connected")

	// ErrFrameTooLarge is returned when a frame header announces a payload
	// larger than the configured limit.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// TransportError reports a failure of the channel itself: a broken pipe, a
// malformed stream, or process exit before a response arrived.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("mcp transport %s failed", e.Op)
	}
	return fmt.Sprintf("mcp transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError is an error object returned by the tool server, or a tool
// result flagged with isError.
type RemoteError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// StartupError reports a failure to spawn the child process or complete the
// initialize handshake.
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("mcp startup (%s): %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

func remoteErrorFrom(rpcErr *JSONRPCError) *RemoteError {
	return &RemoteError{Code: rpcErr.Code, Message: rpcErr.Message, Data: rpcErr.Data}
}

// IsTransportError reports whether err is, or wraps, a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRemoteError reports whether err is, or wraps, a RemoteError.
func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
