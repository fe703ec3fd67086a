package guardrails

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/mcpbridge/internal/net/origins"
	"github.com/haasonsaas/mcpbridge/internal/ratelimit"
)

// Reason identifies why a call was denied.
type Reason string

const (
	ReasonDisabled         Reason = "disabled"
	ReasonDomainBlocked    Reason = "domain_blocked"
	ReasonPrivateNetwork   Reason = "private_network"
	ReasonDomainNotAllowed Reason = "domain_not_allowed"
	ReasonRobots           Reason = "robots"
	ReasonBatchTooLarge    Reason = "batch_too_large"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonToolCap          Reason = "tool_cap"
	ReasonRunBudget        Reason = "run_budget"
)

// Denial is returned by Evaluate when a call is not permitted.
type Denial struct {
	Reason  Reason
	Message string
	// Target is the URL, tool name, or limit that triggered the denial.
	Target string
}

func (d *Denial) Error() string {
	return "guardrails: " + d.Message
}

// IsLimit reports whether the denial is a per-run budget being exhausted
// rather than a rejected call.
func (d *Denial) IsLimit() bool {
	return d.Reason == ReasonToolCap || d.Reason == ReasonRunBudget
}

// LimitReason names the exhausted budget, e.g. "maxToolCallsPerRun" or
// "perToolCallCaps:search_engine".
func (d *Denial) LimitReason() string {
	switch d.Reason {
	case ReasonToolCap:
		return "perToolCallCaps:" + d.Target
	case ReasonRunBudget:
		return "maxToolCallsPerRun"
	}
	return string(d.Reason)
}

// Usage is the caller's per-run call accounting.
type Usage struct {
	ToolCalls int
	PerTool   map[string]int
}

// Call describes a prospective tool call.
type Call struct {
	Tool  string
	Args  map[string]any
	Usage Usage
}

// DecisionObserver receives every evaluation outcome.
type DecisionObserver interface {
	PolicyDecision(decision, reason string)
}

// Engine evaluates calls against the store's current policy and owns the
// global rate window.
type Engine struct {
	store    *Store
	window   *ratelimit.SlidingWindow
	now      func() time.Time
	logger   *slog.Logger
	observer DecisionObserver

	// mu makes check-then-record on the rate window atomic across callers.
	mu sync.Mutex
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithDecisionObserver attaches a metrics observer.
func WithDecisionObserver(o DecisionObserver) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an engine bound to store.
func NewEngine(store *Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  store,
		window: ratelimit.NewSlidingWindow(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "guardrails_engine")
	return e
}

// Store returns the policy store the engine reads from.
func (e *Engine) Store() *Store {
	return e.store
}

// Evaluate checks call against the current policy. It returns nil to
// permit the call or a *Denial.
func (e *Engine) Evaluate(call Call) error {
	return e.EvaluateAgainst(*e.store.view(), call)
}

// EvaluateAgainst checks call against p. Checks run in order and stop at
// the first failure:
//
//  1. policy enabled
//  2. origins: deny list and private networks over every target, then the
//     allow list
//  3. batch size
//  4. global rate window
//  5. per-tool cap for this run
//  6. per-run call budget
//
// Arguments that are not URL-shaped are not subject to origin checks. A
// permitted call records one timestamp in the rate window; a denied call
// changes nothing.
func (e *Engine) EvaluateAgainst(p Policy, call Call) error {
	return e.evaluate(p, call, true)
}

// Precheck runs the same checks as EvaluateAgainst without recording a
// permit. Callers use it to rule out denied calls before doing network
// work of their own, then call EvaluateAgainst to commit.
func (e *Engine) Precheck(p Policy, call Call) error {
	return e.evaluate(p, call, false)
}

func (e *Engine) evaluate(p Policy, call Call, commit bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if d := e.check(p, call, now); d != nil {
		e.observe("deny", string(d.Reason))
		e.logger.Debug("tool call denied", "tool", call.Tool, "reason", d.Reason, "target", d.Target)
		return d
	}
	if !commit {
		return nil
	}
	if p.RateLimit != nil {
		e.window.Record(now)
	}
	e.observe("permit", "")
	return nil
}

func (e *Engine) check(p Policy, call Call, now time.Time) *Denial {
	if !p.Enabled {
		return &Denial{Reason: ReasonDisabled, Message: "tool calls are disabled by policy"}
	}

	if d := checkOrigins(p, call.Args); d != nil {
		return d
	}

	if p.MaxBatchSize > 0 {
		if n := origins.BatchSize(call.Args); n > p.MaxBatchSize {
			return &Denial{
				Reason:  ReasonBatchTooLarge,
				Message: fmt.Sprintf("batch of %d URLs exceeds maxBatchSize %d", n, p.MaxBatchSize),
				Target:  fmt.Sprint(n),
			}
		}
	}

	if rl := p.RateLimit; rl != nil {
		if !e.window.Check(now, rl.Limit, rl.Window()) {
			wait := e.window.RetryAfter(now, rl.Limit, rl.Window())
			return &Denial{
				Reason:  ReasonRateLimited,
				Message: fmt.Sprintf("rate limit exceeded: %d/%s, retry in %s", rl.Limit, rl.Window(), wait.Round(time.Millisecond)),
				Target:  wait.String(),
			}
		}
	}

	if limit, ok := p.PerToolCallCaps[call.Tool]; ok && limit > 0 {
		if call.Usage.PerTool[call.Tool] >= limit {
			return &Denial{
				Reason:  ReasonToolCap,
				Message: fmt.Sprintf("tool %s reached its per-run cap of %d", call.Tool, limit),
				Target:  call.Tool,
			}
		}
	}

	if p.MaxToolCallsPerRun > 0 && call.Usage.ToolCalls >= p.MaxToolCallsPerRun {
		return &Denial{
			Reason:  ReasonRunBudget,
			Message: fmt.Sprintf("run reached maxToolCallsPerRun of %d", p.MaxToolCallsPerRun),
			Target:  fmt.Sprint(p.MaxToolCallsPerRun),
		}
	}

	return nil
}

func checkOrigins(p Policy, args map[string]any) *Denial {
	type target struct{ raw, host string }
	var targets []target
	for _, raw := range origins.URLsFromArgs(args) {
		if host, ok := origins.Hostname(raw); ok {
			targets = append(targets, target{raw, host})
		}
	}

	for _, t := range targets {
		if origins.MatchAny(t.host, p.DenyDomains) {
			return &Denial{Reason: ReasonDomainBlocked, Message: "domain blocked by guardrails: " + t.host, Target: t.raw}
		}
		if p.BlockPrivateNetworks && origins.IsPrivate(t.host) {
			return &Denial{Reason: ReasonPrivateNetwork, Message: "private network target blocked: " + t.host, Target: t.raw}
		}
	}
	if len(p.AllowDomains) == 0 {
		return nil
	}
	for _, t := range targets {
		if !origins.MatchAny(t.host, p.AllowDomains) {
			return &Denial{Reason: ReasonDomainNotAllowed, Message: "domain not in allow list: " + t.host, Target: t.raw}
		}
	}
	return nil
}

func (e *Engine) observe(decision, reason string) {
	if e.observer != nil {
		e.observer.PolicyDecision(decision, reason)
	}
}

// RateStatus describes the global rate window at a point in time.
type RateStatus struct {
	Enabled  bool  `json:"enabled"`
	InWindow int   `json:"inWindow"`
	Limit    int   `json:"limit,omitempty"`
	WindowMs int64 `json:"windowMs,omitempty"`
	// RetryAfterMs is zero when a call would be admitted now.
	RetryAfterMs int64 `json:"retryAfterMs"`
}

// RateStatus reports how full the rate window is under the current policy.
func (e *Engine) RateStatus() RateStatus {
	p := e.store.view()
	if p.RateLimit == nil {
		return RateStatus{}
	}
	now := e.now()
	rl := p.RateLimit
	wait := e.window.RetryAfter(now, rl.Limit, rl.Window())
	return RateStatus{
		Enabled:      true,
		InWindow:     e.window.Len(now, rl.Window()),
		Limit:        rl.Limit,
		WindowMs:     rl.WindowMs,
		RetryAfterMs: wait.Milliseconds(),
	}
}

// NewRobotsDenial builds the denial used when robots.txt disallows a URL.
func NewRobotsDenial(rawURL string) *Denial {
	return &Denial{
		Reason:  ReasonRobots,
		Message: "robots.txt disallows: " + strings.TrimSpace(rawURL),
		Target:  rawURL,
	}
}
