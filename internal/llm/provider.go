// Package llm defines the pluggable adapter boundary the Dispatcher calls
// into for each configured analysis provider (§6 "LLM provider adapters").
package llm

import (
	"context"
	"errors"
	"time"
)

// ErrRefused marks a provider's content-policy or safety refusal, which the
// Dispatcher maps to ProviderRefused rather than ProviderError.
var ErrRefused = errors.New("llm: provider refused the request")

// Options bounds one call: generation limits plus the per-request deadline,
// which each adapter applies by deriving a timeout context from ctx; a
// provider that ignores ctx cancellation is not cut off.
type Options struct {
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Response is a provider's successful output.
type Response struct {
	Text      string
	WordCount int
}

// Provider is one LLM backend's adapter. Implementations are expected to be
// safe for concurrent use since the Dispatcher calls every configured
// provider in parallel within a single dispatch.
type Provider interface {
	Name() string
	Call(ctx context.Context, prompt string, opts Options) (Response, error)
}
