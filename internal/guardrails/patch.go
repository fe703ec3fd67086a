package guardrails

import (
	"bytes"
	"encoding/json"
)

// Patch is a partial policy update. Absent fields leave the current value
// unchanged; present fields replace it wholesale, maps and lists included.
type Patch struct {
	Enabled              *bool     `json:"enabled,omitempty"`
	AllowDomains         *[]string `json:"allowDomains,omitempty"`
	DenyDomains          *[]string `json:"denyDomains,omitempty"`
	RespectRobotsTxt     *bool     `json:"respectRobotsTxt,omitempty"`
	BlockPrivateNetworks *bool     `json:"blockPrivateNetworks,omitempty"`

	MaxBatchSize *int              `json:"maxBatchSize,omitempty"`
	RateLimit    OptionalRateLimit `json:"rateLimit,omitzero"`

	MaxStepsPerRun     *int   `json:"maxStepsPerRun,omitempty"`
	StepTimeoutMs      *int64 `json:"stepTimeoutMs,omitempty"`
	MaxToolCallsPerRun *int   `json:"maxToolCallsPerRun,omitempty"`

	PerDomainConcurrency       *int            `json:"perDomainConcurrency,omitempty"`
	DomainConcurrencyOverrides *map[string]int `json:"domainConcurrencyOverrides,omitempty"`
	PerToolCallCaps            *map[string]int `json:"perToolCallCaps,omitempty"`
}

// OptionalRateLimit distinguishes an absent rateLimit from an explicit
// null, which clears the limit.
type OptionalRateLimit struct {
	Set   bool
	Value *RateLimit
}

// UnmarshalJSON is only invoked when the key is present.
func (o *OptionalRateLimit) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var rl RateLimit
	if err := json.Unmarshal(data, &rl); err != nil {
		return err
	}
	o.Value = &rl
	return nil
}

// MarshalJSON writes the value, or null.
func (o OptionalRateLimit) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Value)
}

// IsZero lets omitzero skip an unset field when encoding.
func (o OptionalRateLimit) IsZero() bool {
	return !o.Set
}

// Empty reports whether the patch changes nothing.
func (pt Patch) Empty() bool {
	return pt.Enabled == nil && pt.AllowDomains == nil && pt.DenyDomains == nil &&
		pt.RespectRobotsTxt == nil && pt.BlockPrivateNetworks == nil &&
		pt.MaxBatchSize == nil && !pt.RateLimit.Set &&
		pt.MaxStepsPerRun == nil && pt.StepTimeoutMs == nil && pt.MaxToolCallsPerRun == nil &&
		pt.PerDomainConcurrency == nil && pt.DomainConcurrencyOverrides == nil && pt.PerToolCallCaps == nil
}

// Apply returns p with the patch applied. p is not modified.
func (pt Patch) Apply(p Policy) Policy {
	out := p.Clone()
	if pt.Enabled != nil {
		out.Enabled = *pt.Enabled
	}
	if pt.AllowDomains != nil {
		out.AllowDomains = cloneStrings(*pt.AllowDomains)
	}
	if pt.DenyDomains != nil {
		out.DenyDomains = cloneStrings(*pt.DenyDomains)
	}
	if pt.RespectRobotsTxt != nil {
		out.RespectRobotsTxt = *pt.RespectRobotsTxt
	}
	if pt.BlockPrivateNetworks != nil {
		out.BlockPrivateNetworks = *pt.BlockPrivateNetworks
	}
	if pt.MaxBatchSize != nil {
		out.MaxBatchSize = *pt.MaxBatchSize
	}
	if pt.RateLimit.Set {
		if pt.RateLimit.Value == nil {
			out.RateLimit = nil
		} else {
			rl := *pt.RateLimit.Value
			out.RateLimit = &rl
		}
	}
	if pt.MaxStepsPerRun != nil {
		out.MaxStepsPerRun = *pt.MaxStepsPerRun
	}
	if pt.StepTimeoutMs != nil {
		out.StepTimeoutMs = *pt.StepTimeoutMs
	}
	if pt.MaxToolCallsPerRun != nil {
		out.MaxToolCallsPerRun = *pt.MaxToolCallsPerRun
	}
	if pt.PerDomainConcurrency != nil {
		out.PerDomainConcurrency = *pt.PerDomainConcurrency
	}
	if pt.DomainConcurrencyOverrides != nil {
		out.DomainConcurrencyOverrides = cloneInts(*pt.DomainConcurrencyOverrides)
	}
	if pt.PerToolCallCaps != nil {
		out.PerToolCallCaps = cloneInts(*pt.PerToolCallCaps)
	}
	return out
}
