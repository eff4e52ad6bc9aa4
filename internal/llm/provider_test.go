package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMockProviderReturnsCannedResponse(t *testing.T) {
	p := NewMockProvider("demo", 0, "hello world")
	resp, err := p.Call(context.Background(), "ignored", Options{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Text != "hello world" || resp.WordCount != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestMockProviderHonorsContextTimeout(t *testing.T) {
	p := NewMockProvider("slow", 50*time.Millisecond, "x")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := p.Call(ctx, "prompt", Options{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestFailingMockProviderReturnsConfiguredError(t *testing.T) {
	wantErr := errors.New("boom")
	p := NewFailingMockProvider("broken", 0, wantErr)
	_, err := p.Call(context.Background(), "prompt", Options{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestHTTPProviderParsesSuccessResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body httpRequestBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(httpResponseBody{Text: "two words"})
	}))
	defer srv.Close()

	p := NewHTTPProvider("gateway", srv.URL, "", srv.Client())
	resp, err := p.Call(context.Background(), "prompt", Options{MaxTokens: 100})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Text != "two words" || resp.WordCount != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHTTPProviderMapsRefusalFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(httpResponseBody{Refusal: true, Reason: "policy"})
	}))
	defer srv.Close()

	p := NewHTTPProvider("gateway", srv.URL, "", srv.Client())
	_, err := p.Call(context.Background(), "prompt", Options{})
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("expected ErrRefused, got %v", err)
	}
}

func TestHTTPProviderReturnsErrorOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProvider("gateway", srv.URL, "", srv.Client())
	_, err := p.Call(context.Background(), "prompt", Options{})
	if err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}
