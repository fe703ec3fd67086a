package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"testing"
	"time"
)

// fakeServer is the far end of a pipe-attached transport.
type fakeServer struct {
	reader *FrameReader
	writer *FrameWriter
	out    *io.PipeWriter
}

func newPipeTransport(t *testing.T, cfg *ServerConfig) (*StdioTransport, *fakeServer) {
	t.Helper()
	if cfg == nil {
		cfg = &ServerConfig{ID: "test"}
	}
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	tr := NewStdioTransport(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tr.attach(clientIn, clientOut)

	srv := &fakeServer{
		reader: NewFrameReader(serverIn, 0),
		writer: NewFrameWriter(serverOut),
		out:    serverOut,
	}
	t.Cleanup(func() {
		_ = serverOut.Close()
		_ = serverIn.Close()
		_ = tr.Close()
	})
	return tr, srv
}

func (s *fakeServer) next(t *testing.T) envelope {
	t.Helper()
	payload, err := s.reader.ReadFrame()
	if err != nil {
		t.Errorf("server read: %v", err)
		return envelope{}
	}
	var msg envelope
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Errorf("server decode: %v", err)
	}
	return msg
}

func (s *fakeServer) send(t *testing.T, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Errorf("server encode: %v", err)
		return
	}
	if err := s.writer.WriteFrame(data); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func (s *fakeServer) reply(t *testing.T, id json.RawMessage, result any) {
	t.Helper()
	s.send(t, map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

func TestStdioTransportNotConnected(t *testing.T) {
	tr := NewStdioTransport(&ServerConfig{ID: "test", Command: "echo"}, nil)
	if tr.Connected() {
		t.Error("expected Connected() to return false before Connect()")
	}
	if _, err := tr.Call(context.Background(), "tools/list", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestStdioTransportOutOfOrderResponses(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)

	results := make([]callOutcome, 2)
	var wg sync.WaitGroup
	for i, method := range []string{"first", "second"} {
		wg.Add(1)
		go func(i int, method string) {
			defer wg.Done()
			res, err := tr.Call(context.Background(), method, nil)
			results[i] = callOutcome{res, err}
		}(i, method)
	}

	a := srv.next(t)
	b := srv.next(t)
	// Answer in reverse arrival order, echoing the method back.
	srv.reply(t, b.ID, map[string]string{"method": b.Method})
	srv.reply(t, a.ID, map[string]string{"method": a.Method})
	wg.Wait()

	for i, want := range []string{"first", "second"} {
		if results[i].err != nil {
			t.Fatalf("call %s error = %v", want, results[i].err)
		}
		var got map[string]string
		if err := json.Unmarshal(results[i].result, &got); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if got["method"] != want {
			t.Errorf("call %s resolved with response for %s", want, got["method"])
		}
	}
	if n := tr.Pending(); n != 0 {
		t.Errorf("expected empty pending table, got %d", n)
	}
}

func TestStdioTransportIDsAreUnique(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		done := make(chan error, 1)
		go func() {
			_, err := tr.Call(context.Background(), "ping", nil)
			done <- err
		}()
		req := srv.next(t)
		if seen[string(req.ID)] {
			t.Fatalf("id %s reused", req.ID)
		}
		seen[string(req.ID)] = true
		srv.reply(t, req.ID, map[string]any{})
		if err := <-done; err != nil {
			t.Fatalf("Call() error = %v", err)
		}
	}
}

func TestStdioTransportRemoteError(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "tools/call", map[string]any{"name": "x"})
		done <- err
	}()

	req := srv.next(t)
	srv.send(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"error":   map[string]any{"code": ErrCodeInvalidParams, "message": "bad params"},
	})

	err := <-done
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Code != ErrCodeInvalidParams || remote.Message != "bad params" {
		t.Errorf("unexpected remote error: %+v", remote)
	}
}

func TestStdioTransportStreamCloseRejectsPending(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "tools/call", nil)
		done <- err
	}()
	_ = srv.next(t)
	_ = srv.out.Close()

	select {
	case err := <-done:
		if !IsTransportError(err) {
			t.Fatalf("expected TransportError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not rejected after stream closed")
	}

	select {
	case <-tr.Done():
	default:
		t.Error("expected Done() to be closed")
	}
	if tr.Connected() {
		t.Error("expected Connected() false after stream closed")
	}
	if _, err := tr.Call(context.Background(), "tools/list", nil); !IsTransportError(err) {
		t.Errorf("expected TransportError for call after close, got %v", err)
	}
}

func TestStdioTransportContextCancel(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := tr.Call(ctx, "slow", nil)
		done <- err
	}()
	_ = srv.next(t)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := tr.Pending(); n != 0 {
		t.Errorf("expected pending entry removed, got %d", n)
	}
}

func TestStdioTransportConfiguredTimeout(t *testing.T) {
	tr, srv := newPipeTransport(t, &ServerConfig{ID: "test", Timeout: 20 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "slow", nil)
		done <- err
	}()
	_ = srv.next(t)

	if err := <-done; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStdioTransportNotifications(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)

	// Not subscribed: dropped without blocking the read loop.
	srv.send(t, map[string]any{"jsonrpc": "2.0", "method": "notifications/progress"})

	events := tr.Subscribe()
	srv.send(t, map[string]any{"jsonrpc": "2.0", "method": "notifications/tools/list_changed"})

	select {
	case notif := <-events:
		if notif.Method != "notifications/tools/list_changed" {
			t.Errorf("unexpected notification %q", notif.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestStdioTransportAnswersServerPing(t *testing.T) {
	_, srv := newPipeTransport(t, nil)

	srv.send(t, map[string]any{"jsonrpc": "2.0", "id": "srv-1", "method": "ping"})
	resp := srv.next(t)
	if string(resp.ID) != `"srv-1"` {
		t.Errorf("reply id = %s", resp.ID)
	}
	if resp.Error != nil {
		t.Errorf("unexpected error reply: %+v", resp.Error)
	}

	srv.send(t, map[string]any{"jsonrpc": "2.0", "id": 7, "method": "sampling/createMessage"})
	resp = srv.next(t)
	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("expected method-not-found reply, got %+v", resp.Error)
	}
}

func TestStdioTransportMalformedMessageSkipped(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)

	done := make(chan callOutcome, 1)
	go func() {
		res, err := tr.Call(context.Background(), "tools/list", nil)
		done <- callOutcome{res, err}
	}()
	req := srv.next(t)
	if err := srv.writer.WriteFrame([]byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	srv.reply(t, req.ID, map[string]any{"tools": []any{}})

	out := <-done
	if out.err != nil {
		t.Fatalf("Call() error = %v", out.err)
	}
}

func TestStdioTransportProcessExitRejectsPending(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	tr := NewStdioTransport(&ServerConfig{
		ID:      "exiting",
		Command: sh,
		Args:    []string{"-c", "head -c 1 >/dev/null; echo bye >&2; exit 3"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = tr.Call(ctx, "tools/list", nil)
	if !IsTransportError(err) {
		t.Fatalf("expected TransportError, got %v", err)
	}

	select {
	case <-tr.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process exit not observed")
	}
	if code := tr.ExitStatus().Code; code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	select {
	case line := <-tr.Stderr():
		if line != "bye" {
			t.Errorf("stderr line = %q, want bye", line)
		}
	case <-time.After(time.Second):
		t.Error("stderr output not published")
	}
}

func TestStdioTransportPublishesStderrLines(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	tr := NewStdioTransport(&ServerConfig{
		ID:      "chatty",
		Command: sh,
		Args:    []string{"-c", "echo starting >&2; echo >&2; echo listening on stdio >&2; head -c 1 >/dev/null"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tr.Close()

	for _, want := range []string{"starting", "listening on stdio"} {
		select {
		case line := <-tr.Stderr():
			if line != want {
				t.Errorf("stderr line = %q, want %q", line, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for stderr line %q", want)
		}
	}
}

func TestStdioTransportSpawnFailure(t *testing.T) {
	tr := NewStdioTransport(&ServerConfig{ID: "missing", Command: "/nonexistent/mcp-server"}, nil)
	err := tr.Connect(context.Background())
	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("expected StartupError, got %v", err)
	}
	if se.Stage != "spawn" {
		t.Errorf("stage = %q, want spawn", se.Stage)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (o *recordingObserver) RPCCompleted(method, status string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, method+":"+status)
}

func (o *recordingObserver) RPCPending(int) {}

func TestStdioTransportObserver(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)
	obs := &recordingObserver{}
	tr.SetObserver(obs)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "tools/list", nil)
		done <- err
	}()
	req := srv.next(t)
	srv.reply(t, req.ID, map[string]any{})
	if err := <-done; err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.statuses) != 1 || obs.statuses[0] != "tools/list:ok" {
		t.Errorf("observer statuses = %v", obs.statuses)
	}
}
