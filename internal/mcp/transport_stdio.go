package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Observer receives per-request outcomes from a transport.
type Observer interface {
	RPCCompleted(method, status string, elapsed time.Duration)
	RPCPending(n int)
}

type pendingCall struct {
	method    string
	createdAt time.Time
	resp      chan *JSONRPCResponse
}

// StdioTransport speaks Content-Length framed JSON-RPC to a child process
// over its stdin and stdout. Responses are matched to callers by id, so any
// number of calls may be in flight and may complete out of order.
//
// When stdout closes or the process exits every pending call fails with a
// TransportError.
type StdioTransport struct {
	config   *ServerConfig
	logger   *slog.Logger
	observer Observer

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.Reader
	writer  *FrameWriter
	reader  *FrameReader

	pending   map[int64]*pendingCall
	pendingMu sync.Mutex
	nextID    atomic.Int64

	events     chan *JSONRPCNotification
	subscribed atomic.Bool
	stderr     chan string

	started   atomic.Bool
	readDone  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	exited     chan struct{}
	exitStatus ExitStatus

	wg sync.WaitGroup
}

// NewStdioTransport creates a new stdio transport.
func NewStdioTransport(cfg *ServerConfig, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:   cfg,
		logger:   logger.With("mcp_server", cfg.ID, "transport", "stdio"),
		pending:  make(map[int64]*pendingCall),
		events:   make(chan *JSONRPCNotification, 100),
		stderr:   make(chan string, 256),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// SetObserver installs a metrics observer. It must be called before Connect.
func (t *StdioTransport) SetObserver(o Observer) {
	t.observer = o
}

// Connect starts the subprocess. The process outlives ctx; it is stopped by
// Close. Connecting an already attached transport is a no-op.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.started.Load() {
		return nil
	}
	if t.config.Command == "" {
		return &StartupError{Stage: "spawn", Err: fmt.Errorf("command is required")}
	}
	if err := ctx.Err(); err != nil {
		return &StartupError{Stage: "spawn", Err: err}
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.config.WorkDir != "" {
		cmd.Dir = t.config.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &StartupError{Stage: "spawn", Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &StartupError{Stage: "spawn", Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &StartupError{Stage: "spawn", Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &StartupError{Stage: "spawn", Err: fmt.Errorf("start process: %w", err)}
	}

	t.process = cmd
	t.logger.Info("started MCP server process",
		"command", t.config.Command,
		"pid", cmd.Process.Pid)

	t.attach(stdout, stdin)

	var streams sync.WaitGroup
	streams.Add(1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer streams.Done()
		t.readStderr(stderr)
	}()

	t.wg.Add(1)
	go t.waitProcess(&streams)

	return nil
}

// attach wires the framed reader and writer and starts the read loop.
func (t *StdioTransport) attach(r io.Reader, w io.WriteCloser) {
	t.stdin = w
	t.stdout = r
	t.writer = NewFrameWriter(w)
	t.reader = NewFrameReader(r, t.config.MaxFrameBytes)
	t.started.Store(true)

	t.wg.Add(1)
	go t.readLoop()
}

// Close stops the subprocess and fails all pending calls.
func (t *StdioTransport) Close() error {
	t.shutdown(ErrTransportClosed)

	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.process != nil && t.process.Process != nil {
		_ = t.process.Process.Kill()
	} else if c, ok := t.stdout.(io.Closer); ok {
		_ = c.Close()
	}

	t.wg.Wait()
	return nil
}

// Call sends a request and waits for its response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.started.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	call := &pendingCall{
		method:    method,
		createdAt: time.Now(),
		resp:      make(chan *JSONRPCResponse, 1),
	}
	if err := t.register(id, call); err != nil {
		return nil, err
	}
	defer t.unregister(id)

	if err := t.writer.WriteFrame(data); err != nil {
		t.observe(method, "transport_error", call.createdAt)
		return nil, &TransportError{Op: "write " + method, Err: err}
	}

	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
	}

	select {
	case resp := <-call.resp:
		return t.complete(call, resp)
	case <-ctx.Done():
		t.observe(method, "canceled", call.createdAt)
		return nil, ctx.Err()
	case <-t.done:
		// A response that raced the shutdown still wins.
		select {
		case resp := <-call.resp:
			return t.complete(call, resp)
		default:
		}
		t.observe(method, "transport_error", call.createdAt)
		return nil, &TransportError{Op: method, Err: t.closeErr}
	}
}

func (t *StdioTransport) complete(call *pendingCall, resp *JSONRPCResponse) (json.RawMessage, error) {
	if resp.Error != nil {
		t.observe(call.method, "remote_error", call.createdAt)
		return nil, remoteErrorFrom(resp.Error)
	}
	t.observe(call.method, "ok", call.createdAt)
	return resp.Result, nil
}

func (t *StdioTransport) register(id int64, call *pendingCall) error {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	select {
	case <-t.done:
		return &TransportError{Op: call.method, Err: t.closeErr}
	default:
	}
	t.pending[id] = call
	if t.observer != nil {
		t.observer.RPCPending(len(t.pending))
	}
	return nil
}

func (t *StdioTransport) unregister(id int64) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	n := len(t.pending)
	t.pendingMu.Unlock()
	if t.observer != nil {
		t.observer.RPCPending(n)
	}
}

func (t *StdioTransport) observe(method, status string, start time.Time) {
	if t.observer != nil {
		t.observer.RPCCompleted(method, status, time.Since(start))
	}
}

// Notify sends a notification (no response expected).
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.started.Load() {
		return ErrNotConnected
	}
	select {
	case <-t.done:
		return &TransportError{Op: method, Err: t.closeErr}
	default:
	}

	notif := JSONRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := t.writer.WriteFrame(data); err != nil {
		return &TransportError{Op: "write " + method, Err: err}
	}
	return nil
}

// Subscribe returns the notification channel and starts delivering to it.
func (t *StdioTransport) Subscribe() <-chan *JSONRPCNotification {
	t.subscribed.Store(true)
	return t.events
}

// Stderr returns lines the child wrote to its diagnostic stream. Lines are
// dropped when nobody drains the channel.
func (t *StdioTransport) Stderr() <-chan string {
	return t.stderr
}

// Done is closed once the transport stops accepting calls.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

// Exited is closed once the child process has been reaped.
func (t *StdioTransport) Exited() <-chan struct{} {
	return t.exited
}

// ExitStatus reports how the child terminated. Valid after Exited is closed.
func (t *StdioTransport) ExitStatus() ExitStatus {
	<-t.exited
	return t.exitStatus
}

// Connected returns whether the transport is connected.
func (t *StdioTransport) Connected() bool {
	if !t.started.Load() {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Pending returns the number of requests awaiting a response.
func (t *StdioTransport) Pending() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

// shutdown closes done exactly once. Callers blocked in Call observe done
// and return a TransportError wrapping reason.
func (t *StdioTransport) shutdown(reason error) {
	t.closeOnce.Do(func() {
		t.pendingMu.Lock()
		t.closeErr = reason
		stranded := len(t.pending)
		close(t.done)
		t.pendingMu.Unlock()

		if stranded > 0 {
			t.logger.Warn("transport closed with pending requests",
				"pending", stranded,
				"reason", reason)
		}
		if t.process == nil {
			t.exitStatus = ExitStatus{Code: -1, Err: reason}
			close(t.exited)
		}
	})
}

func (t *StdioTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.readDone)

	for {
		payload, err := t.reader.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.shutdown(fmt.Errorf("server closed stdout: %w", io.EOF))
			} else {
				t.logger.Error("read frame failed", "error", err)
				t.shutdown(fmt.Errorf("read frame: %w", err))
			}
			return
		}
		t.dispatch(payload)
	}
}

// dispatch routes one decoded message. Malformed payloads are logged and
// skipped; they do not poison the stream because framing already isolated
// them.
func (t *StdioTransport) dispatch(payload []byte) {
	var msg envelope
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.logger.Warn("discarding malformed message", "error", err, "bytes", len(payload))
		return
	}

	hasID := len(msg.ID) > 0 && string(msg.ID) != "null"

	switch {
	case msg.Method != "" && hasID:
		t.answerServerRequest(msg)
	case msg.Method != "":
		t.deliverNotification(&JSONRPCNotification{JSONRPC: msg.JSONRPC, Method: msg.Method, Params: msg.Params})
	case hasID:
		t.deliverResponse(msg)
	default:
		t.logger.Debug("ignoring message without id or method")
	}
}

func (t *StdioTransport) deliverResponse(msg envelope) {
	id, err := parseID(msg.ID)
	if err != nil {
		t.logger.Warn("unexpected response ID", "id", string(msg.ID))
		return
	}

	t.pendingMu.Lock()
	call, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	if !ok {
		t.logger.Debug("response for unknown request", "id", id)
		return
	}
	call.resp <- &JSONRPCResponse{JSONRPC: msg.JSONRPC, ID: id, Result: msg.Result, Error: msg.Error}
}

func (t *StdioTransport) deliverNotification(notif *JSONRPCNotification) {
	if !t.subscribed.Load() {
		t.logger.Debug("dropping notification", "method", notif.Method)
		return
	}
	select {
	case t.events <- notif:
	default:
		t.logger.Warn("notification channel full, dropping", "method", notif.Method)
	}
}

// answerServerRequest replies to server-initiated requests. Only ping is
// supported; the bridge is a client.
func (t *StdioTransport) answerServerRequest(msg envelope) {
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      msg.ID,
	}
	if msg.Method == "ping" {
		resp["result"] = map[string]any{}
	} else {
		resp["error"] = &JSONRPCError{Code: ErrCodeMethodNotFound, Message: "method not supported by client: " + msg.Method}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := t.writer.WriteFrame(data); err != nil {
		t.logger.Warn("failed to answer server request", "method", msg.Method, "error", err)
	}
}

func parseID(raw json.RawMessage) (int64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

func (t *StdioTransport) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		t.logger.Debug("server stderr", "message", line)
		select {
		case t.stderr <- line:
		default:
		}
	}
}

// waitProcess reaps the child after its output streams drain, then records
// the exit status.
func (t *StdioTransport) waitProcess(streams *sync.WaitGroup) {
	defer t.wg.Done()

	<-t.readDone
	streams.Wait()
	err := t.process.Wait()

	status := ExitStatus{Err: err}
	if t.process.ProcessState != nil {
		status.Code = t.process.ProcessState.ExitCode()
	}
	t.shutdown(fmt.Errorf("server process exited with code %d", status.Code))

	t.exitStatus = status
	close(t.exited)

	t.logger.Info("MCP server process exited", "code", status.Code, "error", err)
}
