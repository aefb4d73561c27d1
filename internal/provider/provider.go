// Package provider talks to cloud chat backends. Every failure is returned as
// *Error so callers can tell retryable, configuration and protocol problems
// apart without string matching.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/memoir/internal/fault"
)

const defaultBackoff = 600 * time.Millisecond

// Message is one chat message in OpenAI role/content form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single chat completion call.
type Request struct {
	Messages    []Message
	Model       string
	Temperature float64
	MaxTokens   int
	// ResponseFormat is "json_object" to request a JSON object, or empty.
	ResponseFormat string
}

// Usage holds token counts reported by the backend. Zero means unreported.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Result is the normalized reply across providers.
type Result struct {
	Content  string
	Provider string
	Model    string
	Elapsed  time.Duration
	Usage    Usage
}

// Provider is a cloud chat backend addressed by name.
type Provider interface {
	Name() string
	DefaultModel() string
	Chat(ctx context.Context, req Request) (Result, error)
}

// Error codes shared by all providers.
const (
	CodeMissingAPIKey = "missing_api_key"
	CodeHTTPStatus    = "http_status_error"
	CodeTransport     = "transport_error"
	CodeBadResponse   = "bad_response"
	CodeRateWait      = "rate_wait"
)

// Error is a provider call failure with retry classification.
type Error struct {
	Provider  string
	Code      string
	Status    int
	Retryable bool
	Detail    string
	Err       error
}

func (e *Error) Error() string {
	s := e.Provider + ": " + e.Code
	if e.Status != 0 {
		s += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Retryable {
		s += " [retryable]"
	}
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Kind classifies the error for job handling.
func (e *Error) Kind() fault.Kind {
	if e.Code == CodeMissingAPIKey {
		return fault.KindConfig
	}
	return fault.KindTransient
}

func retryableStatus(status int) bool {
	return status == 408 || status == 429 || (status >= 500 && status <= 599)
}

// withRetries runs call up to retries+1 times, sleeping backoff*2^attempt
// between retryable failures.
func withRetries(ctx context.Context, retries int, backoff time.Duration, call func() (Result, error)) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		res, err := call()
		if err == nil {
			return res, nil
		}
		lastErr = err

		pe, ok := err.(*Error)
		if !ok || !pe.Retryable || attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return Result{}, &Error{Provider: pe.Provider, Code: CodeTransport, Retryable: true, Detail: ctx.Err().Error(), Err: ctx.Err()}
		case <-time.After(backoff << attempt):
		}
	}
	return Result{}, lastErr
}

func snip(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}
