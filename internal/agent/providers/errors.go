package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes why a provider request failed.
type Reason string

const (
	ReasonRateLimit        Reason = "rate_limit"
	ReasonAuth             Reason = "auth"
	ReasonBilling          Reason = "billing"
	ReasonTimeout          Reason = "timeout"
	ReasonServerError      Reason = "server_error"
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonModelUnavailable Reason = "model_unavailable"
	ReasonUnknown          Reason = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed.
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	}
	return false
}

// ProviderError is a failed model request.
type ProviderError struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: [%s]", e.Provider, e.Reason)
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	switch {
	case e.Message != "":
		b.WriteString(" " + e.Message)
	case e.Cause != nil:
		b.WriteString(" " + e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// newProviderError classifies cause. A non-zero status takes precedence over
// message heuristics.
func newProviderError(provider, model string, status int, cause error) *ProviderError {
	e := &ProviderError{Provider: provider, Model: model, Status: status, Cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	e.Reason = classifyStatus(status)
	if e.Reason == ReasonUnknown {
		e.Reason = classifyMessage(cause)
	}
	return e
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason.IsRetryable()
	}
	return classifyMessage(err).IsRetryable()
}

func classifyStatus(status int) Reason {
	switch {
	case status == 0:
		return ReasonUnknown
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status >= 500:
		return ReasonServerError
	case status >= 400:
		return ReasonInvalidRequest
	}
	return ReasonUnknown
}

func classifyMessage(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	msg := strings.ToLower(err.Error())
	contains := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
	switch {
	case contains("timeout", "deadline exceeded"):
		return ReasonTimeout
	case contains("rate limit", "rate_limit", "too many requests", "429"):
		return ReasonRateLimit
	case contains("unauthorized", "invalid api key", "invalid_api_key", "401", "403"):
		return ReasonAuth
	case contains("insufficient_quota", "billing", "402"):
		return ReasonBilling
	case contains("model_not_found", "model not found"):
		return ReasonModelUnavailable
	case contains("connection reset", "connection refused", "internal server error",
		"bad gateway", "service unavailable", "500", "502", "503", "504"):
		return ReasonServerError
	}
	return ReasonUnknown
}
