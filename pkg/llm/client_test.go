package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/yoonmo01/VP2-sub000/pkg/config"
)

func TestHTTPChatterRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", got)
		}
		fmt.Fprint(w, `{"choices": [{"message": {"role": "assistant", "content": "hello there"}}]}`)
	}))
	defer srv.Close()

	cfg := &config.Config{
		LLMProvider: config.ProviderCustom,
		LLMBaseURL:  srv.URL,
		LLMAPIKey:   "test-key",
	}
	c, err := newHTTPChatter(cfg)
	if err != nil {
		t.Fatalf("newHTTPChatter: %v", err)
	}

	out, err := c.Chat(context.Background(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "hello there" {
		t.Errorf("content = %q", out)
	}
}

func TestHTTPChatterStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := newHTTPChatter(&config.Config{LLMProvider: config.ProviderCustom, LLMBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("newHTTPChatter: %v", err)
	}

	_, err = c.Chat(context.Background(), Request{Model: "m"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if !se.Retryable() {
		t.Error("503 should be retryable")
	}
}

type flakyChatter struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyChatter) Chat(ctx context.Context, req Request) (string, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return "", &StatusError{Code: 500, Body: "boom"}
	}
	return "ok", nil
}

func TestWithRetry(t *testing.T) {
	t.Run("recovers within budget", func(t *testing.T) {
		c := &flakyChatter{failures: 2}
		out, err := WithRetry(context.Background(), c, Request{}, 2)
		if err != nil {
			t.Fatalf("WithRetry: %v", err)
		}
		if out != "ok" {
			t.Errorf("out = %q", out)
		}
		if got := c.calls.Load(); got != 3 {
			t.Errorf("calls = %d, want 3", got)
		}
	})

	t.Run("budget exhausted", func(t *testing.T) {
		c := &flakyChatter{failures: 10}
		if _, err := WithRetry(context.Background(), c, Request{}, 1); err == nil {
			t.Fatal("expected error after budget exhausted")
		}
		if got := c.calls.Load(); got != 2 {
			t.Errorf("calls = %d, want 2", got)
		}
	})

	t.Run("auth error not retried", func(t *testing.T) {
		calls := 0
		c := chatterFunc(func(ctx context.Context, req Request) (string, error) {
			calls++
			return "", &StatusError{Code: 401, Body: "bad key"}
		})
		if _, err := WithRetry(context.Background(), c, Request{}, 2); err == nil {
			t.Fatal("expected auth error")
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}

type chatterFunc func(ctx context.Context, req Request) (string, error)

func (f chatterFunc) Chat(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

func TestNewProviderNone(t *testing.T) {
	_, err := New(&config.Config{LLMProvider: config.ProviderNone})
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}
