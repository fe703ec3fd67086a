package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/mcpbridge/internal/agent"
)

const (
	sseKeepAlive      = 15 * time.Second
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	wsPingInterval    = 30 * time.Second
)

var errNoModel = errors.New("no language model configured")

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages,omitempty"`
	// Prompt is shorthand for a single user message.
	Prompt string `json:"prompt,omitempty"`
	Model  string `json:"model,omitempty"`
	System string `json:"system,omitempty"`
}

func (c chatRequest) runRequest() (agent.RunRequest, error) {
	req := agent.RunRequest{Model: c.Model, System: c.System}
	for _, m := range c.Messages {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "user", "assistant", "system":
		default:
			return req, fmt.Errorf("unsupported message role %q", m.Role)
		}
		req.Messages = append(req.Messages, agent.CompletionMessage{Role: role, Content: m.Content})
	}
	if p := strings.TrimSpace(c.Prompt); p != "" {
		req.Messages = append(req.Messages, agent.CompletionMessage{Role: "user", Content: p})
	}
	if len(req.Messages) == 0 {
		return req, errors.New("messages or prompt is required")
	}
	return req, nil
}

// wireEvent carries the event type inline for SSE data and WebSocket frames.
type wireEvent struct {
	Type agent.EventType `json:"type"`
	*agent.Event
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Loop == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errNoModel.Error()})
		return
	}
	var body chatRequest
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: agent.KindInvalid})
		return
	}
	req, err := body.runRequest()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: agent.KindInvalid})
		return
	}

	res, err := s.cfg.Loop.Run(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: agent.KindInvalid})
		return
	}
	status := http.StatusOK
	if res.Outcome == agent.OutcomeFailed {
		status = statusFor(res.Err)
	}
	writeJSON(w, status, res)
}

// handleChatStream runs a chat and streams its events as Server-Sent Events.
// The run is canceled when the client disconnects.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Loop == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errNoModel.Error()})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}
	q := r.URL.Query()
	req, err := chatRequest{Prompt: q.Get("prompt"), Model: q.Get("model")}.runRequest()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: agent.KindInvalid})
		return
	}

	events, err := s.cfg.Loop.Stream(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: agent.KindInvalid})
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				s.logger.Debug("sse write failed", "error", err)
				drain(events)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				drain(events)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev *agent.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// drain consumes the rest of a run's events so the run can finish and be
// recorded after the client is gone.
func drain(events <-chan *agent.Event) {
	go func() {
		for range events {
		}
	}()
}

// handleChatWS runs one chat per WebSocket connection. The client sends a
// single chatRequest frame; every event is sent back as a JSON text frame
// and the server closes the connection after the terminal event.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Loop == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errNoModel.Error()})
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     s.allowedOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxPayloadBytes)

	writeFrame := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
		return conn.WriteJSON(v)
	}
	closeWith := func(code int, text string) {
		msg := websocket.FormatCloseMessage(code, text)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)) //nolint:errcheck
	}

	var body chatRequest
	if err := conn.ReadJSON(&body); err != nil {
		closeWith(websocket.CloseUnsupportedData, "expected a chat request frame")
		return
	}
	req, err := body.runRequest()
	if err != nil {
		_ = writeFrame(errorBody{Error: err.Error(), Kind: agent.KindInvalid}) //nolint:errcheck
		closeWith(websocket.ClosePolicyViolation, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reading detects a client close; any further frames are ignored.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events, err := s.cfg.Loop.Stream(ctx, req)
	if err != nil {
		_ = writeFrame(errorBody{Error: err.Error(), Kind: agent.KindInvalid}) //nolint:errcheck
		closeWith(websocket.ClosePolicyViolation, err.Error())
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				closeWith(websocket.CloseNormalClosure, "run finished")
				return
			}
			if err := writeFrame(wireEvent{Type: ev.Type, Event: ev}); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				cancel()
				drain(events)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				cancel()
				drain(events)
				return
			}
		}
	}
}
