package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPProvider calls a JSON completion endpoint: POST {prompt, max_tokens,
// temperature} and expects {text}. It covers the common case of a
// self-hosted or gateway-fronted model that speaks a simple JSON contract;
// adapters needing vendor-specific auth or payload shapes implement
// Provider directly instead.
type HTTPProvider struct {
	name       string
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider constructs an HTTPProvider. client may be nil, in which
// case http.DefaultClient is used (callers normally pass a client with
// Timeout already set; per-call Options.Timeout is layered on top via ctx).
func NewHTTPProvider(name, endpoint, apiKey string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{name: name, endpoint: endpoint, apiKey: apiKey, httpClient: client}
}

func (p *HTTPProvider) Name() string { return p.name }

type httpRequestBody struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type httpResponseBody struct {
	Text    string `json:"text"`
	Refusal bool   `json:"refusal"`
	Reason  string `json:"reason"`
}

func (p *HTTPProvider) Call(ctx context.Context, prompt string, opts Options) (Response, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(httpRequestBody{Prompt: prompt, MaxTokens: opts.MaxTokens, Temperature: opts.Temperature})
	if err != nil {
		return Response{}, fmt.Errorf("llm: encode request for %s: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("llm: build request for %s: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("llm: call %s: %w", p.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("llm: read response from %s: %w", p.name, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Response{}, fmt.Errorf("llm: %s returned HTTP %d", p.name, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("llm: %s returned HTTP %d", p.name, resp.StatusCode)
	}

	var parsed httpResponseBody
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Response{}, fmt.Errorf("llm: decode response from %s: %w", p.name, err)
	}
	if parsed.Refusal {
		return Response{}, ErrRefused
	}

	return Response{Text: parsed.Text, WordCount: wordCount(parsed.Text)}, nil
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
