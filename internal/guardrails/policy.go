// Package guardrails holds the mutable tool-call policy and evaluates
// prospective calls against it.
package guardrails

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/haasonsaas/mcpbridge/internal/net/origins"
)

// Defaults applied when a policy field is unset.
const (
	DefaultMaxBatchSize         = 10
	DefaultMaxStepsPerRun       = 5
	DefaultStepTimeoutMs        = 120000
	DefaultPerDomainConcurrency = 2
	DefaultMaxToolCallsPerRun   = 50
)

// RateLimit is a global sliding-window limit on tool calls.
type RateLimit struct {
	Limit    int   `json:"limit" yaml:"limit" jsonschema:"minimum=1"`
	WindowMs int64 `json:"windowMs" yaml:"windowMs" jsonschema:"minimum=1"`
}

// Window returns the window length.
func (r *RateLimit) Window() time.Duration {
	if r == nil {
		return 0
	}
	return time.Duration(r.WindowMs) * time.Millisecond
}

// Policy is the guardrail configuration. A *Policy published by a Store is
// never mutated; changes produce a new value.
type Policy struct {
	Enabled              bool     `json:"enabled" yaml:"enabled"`
	AllowDomains         []string `json:"allowDomains" yaml:"allowDomains" jsonschema:"description=Hostname suffixes; when non-empty every target must match one"`
	DenyDomains          []string `json:"denyDomains" yaml:"denyDomains" jsonschema:"description=Hostname suffixes that are always rejected"`
	RespectRobotsTxt     bool     `json:"respectRobotsTxt" yaml:"respectRobotsTxt"`
	BlockPrivateNetworks bool     `json:"blockPrivateNetworks" yaml:"blockPrivateNetworks"`

	MaxBatchSize int        `json:"maxBatchSize" yaml:"maxBatchSize" jsonschema:"minimum=0"`
	RateLimit    *RateLimit `json:"rateLimit" yaml:"rateLimit"`

	MaxStepsPerRun     int   `json:"maxStepsPerRun" yaml:"maxStepsPerRun" jsonschema:"minimum=0"`
	StepTimeoutMs      int64 `json:"stepTimeoutMs" yaml:"stepTimeoutMs" jsonschema:"minimum=0"`
	MaxToolCallsPerRun int   `json:"maxToolCallsPerRun" yaml:"maxToolCallsPerRun" jsonschema:"minimum=0"`

	PerDomainConcurrency       int            `json:"perDomainConcurrency" yaml:"perDomainConcurrency" jsonschema:"minimum=0"`
	DomainConcurrencyOverrides map[string]int `json:"domainConcurrencyOverrides" yaml:"domainConcurrencyOverrides"`
	PerToolCallCaps            map[string]int `json:"perToolCallCaps" yaml:"perToolCallCaps"`
}

// DefaultPolicy returns the policy used when nothing is persisted.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:                    true,
		AllowDomains:               []string{},
		DenyDomains:                []string{},
		MaxBatchSize:               DefaultMaxBatchSize,
		MaxStepsPerRun:             DefaultMaxStepsPerRun,
		StepTimeoutMs:              DefaultStepTimeoutMs,
		MaxToolCallsPerRun:         DefaultMaxToolCallsPerRun,
		PerDomainConcurrency:       DefaultPerDomainConcurrency,
		DomainConcurrencyOverrides: map[string]int{},
		PerToolCallCaps:            map[string]int{},
	}
}

// Clone returns a deep copy.
func (p Policy) Clone() Policy {
	out := p
	out.AllowDomains = cloneStrings(p.AllowDomains)
	out.DenyDomains = cloneStrings(p.DenyDomains)
	out.DomainConcurrencyOverrides = cloneInts(p.DomainConcurrencyOverrides)
	out.PerToolCallCaps = cloneInts(p.PerToolCallCaps)
	if p.RateLimit != nil {
		rl := *p.RateLimit
		out.RateLimit = &rl
	}
	return out
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneInts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Normalize lowercases domain patterns and fills nil collections so that
// equal policies compare equal.
func (p Policy) Normalize() Policy {
	out := p.Clone()
	out.AllowDomains = normalizeDomains(out.AllowDomains)
	out.DenyDomains = normalizeDomains(out.DenyDomains)
	overrides := make(map[string]int, len(out.DomainConcurrencyOverrides))
	for k, v := range out.DomainConcurrencyOverrides {
		if n := origins.Normalize(k); n != "" {
			overrides[n] = v
		}
	}
	out.DomainConcurrencyOverrides = overrides
	return out
}

func normalizeDomains(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, d := range in {
		n := origins.Normalize(d)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Equal reports whether two policies are equivalent after normalization.
func (p Policy) Equal(other Policy) bool {
	return reflect.DeepEqual(p.Normalize(), other.Normalize())
}

// Validate rejects values that cannot be enforced.
func (p Policy) Validate() error {
	if p.MaxBatchSize < 0 {
		return fmt.Errorf("maxBatchSize must be >= 0")
	}
	if p.MaxStepsPerRun < 0 {
		return fmt.Errorf("maxStepsPerRun must be >= 0")
	}
	if p.StepTimeoutMs < 0 {
		return fmt.Errorf("stepTimeoutMs must be >= 0")
	}
	if p.MaxToolCallsPerRun < 0 {
		return fmt.Errorf("maxToolCallsPerRun must be >= 0")
	}
	if p.PerDomainConcurrency < 0 {
		return fmt.Errorf("perDomainConcurrency must be >= 0")
	}
	if p.RateLimit != nil {
		if p.RateLimit.Limit <= 0 {
			return fmt.Errorf("rateLimit.limit must be > 0")
		}
		if p.RateLimit.WindowMs <= 0 {
			return fmt.Errorf("rateLimit.windowMs must be > 0")
		}
	}
	for domain, limit := range p.DomainConcurrencyOverrides {
		if origins.Normalize(domain) == "" {
			return fmt.Errorf("domainConcurrencyOverrides: empty domain")
		}
		if limit < 0 {
			return fmt.Errorf("domainConcurrencyOverrides[%s] must be >= 0", domain)
		}
	}
	for tool, limit := range p.PerToolCallCaps {
		if tool == "" {
			return fmt.Errorf("perToolCallCaps: empty tool name")
		}
		if limit < 0 {
			return fmt.Errorf("perToolCallCaps[%s] must be >= 0", tool)
		}
	}
	return nil
}

// StepTimeout returns the per-step tool call timeout.
func (p Policy) StepTimeout() time.Duration {
	if p.StepTimeoutMs <= 0 {
		return DefaultStepTimeoutMs * time.Millisecond
	}
	return time.Duration(p.StepTimeoutMs) * time.Millisecond
}

// StepLimit returns the maximum number of tool steps per run.
func (p Policy) StepLimit() int {
	if p.MaxStepsPerRun <= 0 {
		return DefaultMaxStepsPerRun
	}
	return p.MaxStepsPerRun
}

// OriginLimit resolves the concurrency limit for origin: the longest
// matching override, else PerDomainConcurrency. A result <= 0 means
// unbounded.
func (p Policy) OriginLimit(origin string) int {
	if len(p.DomainConcurrencyOverrides) > 0 {
		keys := make([]string, 0, len(p.DomainConcurrencyOverrides))
		for k := range p.DomainConcurrencyOverrides {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if match, ok := origins.LongestSuffix(origin, keys); ok {
			return p.DomainConcurrencyOverrides[match]
		}
	}
	return p.PerDomainConcurrency
}
