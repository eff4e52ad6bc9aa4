package llm

import (
	"context"
	"fmt"
	"time"
)

// MockProvider is a deterministic Provider used in tests and local demos: it
// never makes a network call, optionally sleeps to simulate latency, and can
// be configured to return a fixed error.
type MockProvider struct {
	name    string
	delay   time.Duration
	text    string
	failErr error
}

// NewMockProvider constructs a MockProvider that echoes a canned response
// after delay.
func NewMockProvider(name string, delay time.Duration, text string) *MockProvider {
	return &MockProvider{name: name, delay: delay, text: text}
}

// NewFailingMockProvider constructs a MockProvider whose Call always returns
// err after delay.
func NewFailingMockProvider(name string, delay time.Duration, err error) *MockProvider {
	return &MockProvider{name: name, delay: delay, failErr: err}
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) Call(ctx context.Context, prompt string, opts Options) (Response, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-time.After(m.delay):
	}
	if m.failErr != nil {
		return Response{}, m.failErr
	}
	text := m.text
	if text == "" {
		text = fmt.Sprintf("[%s] analysis of: %s", m.name, prompt)
	}
	return Response{Text: text, WordCount: wordCount(text)}, nil
}
