package agent

import (
	"context"
	"sync/atomic"
	"time"
)

// EventType names a streamed run event.
type EventType string

const (
	EventModelToken        EventType = "model_token"
	EventAssistantDecision EventType = "assistant_decision"
	EventToolStart         EventType = "tool_start"
	EventToolResult        EventType = "tool_result"
	EventFinal             EventType = "final"
	EventLimit             EventType = "limit"
	EventError             EventType = "error"
)

// Terminal reports whether no further events follow this one.
func (t EventType) Terminal() bool {
	return t == EventFinal || t == EventLimit || t == EventError
}

// Event is one incremental update from a streaming run. Only the fields
// relevant to Type are set.
type Event struct {
	Type     EventType `json:"-"`
	Sequence uint64    `json:"seq"`
	RunID    string    `json:"runId"`
	Step     int       `json:"step,omitempty"`
	Time     time.Time `json:"time"`

	// model_token
	Text string `json:"text,omitempty"`

	// assistant_decision, tool_start, tool_result
	Tool    string         `json:"name,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Preview string         `json:"preview,omitempty"`

	// final
	Content string `json:"content,omitempty"`

	// limit
	Reason string `json:"reason,omitempty"`

	// error
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// EventSink receives run events.
type EventSink interface {
	Emit(ctx context.Context, e *Event)
}

// NopSink discards events. Non-streaming runs use it.
type NopSink struct{}

// Emit discards the event.
func (NopSink) Emit(context.Context, *Event) {}

// ChanSink forwards events to a channel. Emit blocks while the channel is
// full and gives up once ctx is done, so a departed reader cannot wedge the
// run.
type ChanSink struct {
	ch chan<- *Event
}

// NewChanSink creates a sink writing to ch.
func NewChanSink(ch chan<- *Event) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends e unless ctx ends first.
func (s *ChanSink) Emit(ctx context.Context, e *Event) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	}
}

// CallbackSink adapts a function to EventSink.
type CallbackSink func(ctx context.Context, e *Event)

// Emit calls the function.
func (f CallbackSink) Emit(ctx context.Context, e *Event) {
	f(ctx, e)
}

// emitter stamps events with the run id and a monotonic sequence.
type emitter struct {
	runID string
	seq   atomic.Uint64
	sink  EventSink
}

func newEmitter(runID string, sink EventSink) *emitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &emitter{runID: runID, sink: sink}
}

func (e *emitter) emit(ctx context.Context, ev *Event) {
	ev.RunID = e.runID
	ev.Sequence = e.seq.Add(1)
	ev.Time = time.Now()
	e.sink.Emit(ctx, ev)
}

func (e *emitter) token(ctx context.Context, step int, text string) {
	e.emit(ctx, &Event{Type: EventModelToken, Step: step, Text: text})
}

func (e *emitter) decision(ctx context.Context, step int, tool string, args map[string]any) {
	e.emit(ctx, &Event{Type: EventAssistantDecision, Step: step, Tool: tool, Args: args})
}

func (e *emitter) toolStart(ctx context.Context, step int, tool string, args map[string]any) {
	e.emit(ctx, &Event{Type: EventToolStart, Step: step, Tool: tool, Args: args})
}

func (e *emitter) toolResult(ctx context.Context, step int, tool string, args map[string]any, preview string) {
	e.emit(ctx, &Event{Type: EventToolResult, Step: step, Tool: tool, Args: args, Preview: preview})
}

func (e *emitter) final(ctx context.Context, step int, content string) {
	e.emit(ctx, &Event{Type: EventFinal, Step: step, Content: content})
}

func (e *emitter) limit(ctx context.Context, step int, reason string) {
	e.emit(ctx, &Event{Type: EventLimit, Step: step, Reason: reason})
}

func (e *emitter) failure(ctx context.Context, step int, err error) {
	e.emit(ctx, &Event{Type: EventError, Step: step, Error: err.Error(), Kind: Classify(err)})
}
