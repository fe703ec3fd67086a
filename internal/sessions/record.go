// Package sessions keeps a history of finished agent runs.
//
// Recording is best-effort: callers log and drop Record errors so that a
// failing store never changes a run's outcome.
package sessions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRecords bounds the history when no limit is configured.
const DefaultMaxRecords = 500

// Message is one conversation entry as submitted by the caller.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Step is a tool call made during a run.
type Step struct {
	Tool          string         `json:"tool"`
	Args          map[string]any `json:"args,omitempty"`
	ResultPreview string         `json:"resultPreview,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// RunRecord summarizes one finished run.
type RunRecord struct {
	ID          string          `json:"id"`
	Mode        string          `json:"mode"`
	Messages    []Message       `json:"messages"`
	Steps       []Step          `json:"steps"`
	Outcome     string          `json:"outcome"`
	Content     string          `json:"content,omitempty"`
	LimitReason string          `json:"limitReason,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"errorKind,omitempty"`
	Guardrails  json.RawMessage `json:"guardrails,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	EndedAt     time.Time       `json:"endedAt"`
}

// ListOptions filters and pages List results. Records are returned newest
// first.
type ListOptions struct {
	Limit   int
	Offset  int
	Outcome string
}

// Recorder stores run records.
type Recorder interface {
	Record(ctx context.Context, rec *RunRecord) error
	List(ctx context.Context, opts ListOptions) ([]*RunRecord, error)
	Close() error
}

// Pruner removes records that ended before a cutoff.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// prepare fills the ID and timestamps of rec if unset.
func prepare(rec *RunRecord, now time.Time) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = now
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.EndedAt
	}
}

func matches(rec *RunRecord, opts ListOptions) bool {
	return opts.Outcome == "" || rec.Outcome == opts.Outcome
}
