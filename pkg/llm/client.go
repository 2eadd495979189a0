// Package llm provides the chat-completion client used by the dialogue
// engine, the judgement scorer and the guidance generator. One interface,
// two transports: an OpenAI-compatible HTTP path (OpenRouter, Ollama, Groq,
// custom endpoints) and the official openai-go client for direct OpenAI.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yoonmo01/VP2-sub000/pkg/config"
	"github.com/yoonmo01/VP2-sub000/pkg/httputil"
)

// Message is one chat message sent to a model.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Request is one chat-completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
}

// Chatter is implemented by all model transports.
type Chatter interface {
	// Chat performs one completion call and returns the raw assistant text.
	Chat(ctx context.Context, req Request) (string, error)
}

// ErrNoProvider is returned by New when the configuration disables LLM use.
var ErrNoProvider = errors.New("llm: no provider configured")

// New builds a Chatter for the configured provider. ProviderNone yields
// ErrNoProvider; callers that can degrade (heuristic judge) treat that as
// "run without a model", callers that cannot (dialogue engine) fail startup.
func New(cfg *config.Config) (Chatter, error) {
	switch cfg.LLMProvider {
	case config.ProviderNone:
		return nil, ErrNoProvider
	case config.ProviderOpenAI:
		return newOpenAIChatter(cfg), nil
	default:
		return newHTTPChatter(cfg)
	}
}

// HTTPChatter talks to any OpenAI-compatible /chat/completions endpoint.
type HTTPChatter struct {
	client   *http.Client
	provider config.LLMProvider
	baseURL  string
	apiKey   string
}

func newHTTPChatter(cfg *config.Config) (*HTTPChatter, error) {
	var baseURL string
	switch cfg.LLMProvider {
	case config.ProviderOllama:
		baseURL = "http://localhost:11434/v1"
	case config.ProviderOpenRouter:
		baseURL = "https://openrouter.ai/api/v1"
	case config.ProviderGroq:
		baseURL = "https://api.groq.com/openai/v1"
	case config.ProviderCustom:
		if cfg.LLMBaseURL == "" {
			return nil, fmt.Errorf("llm: custom provider requires a base URL")
		}
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q", cfg.LLMProvider)
	}
	if cfg.LLMBaseURL != "" {
		baseURL = cfg.LLMBaseURL
	}
	switch cfg.LLMProvider {
	case config.ProviderOpenRouter, config.ProviderGroq:
		if cfg.LLMAPIKey == "" {
			return nil, fmt.Errorf("llm: provider %q requires an API key", cfg.LLMProvider)
		}
	}

	return &HTTPChatter{
		client:   httputil.NewClient(cfg.LLMTimeout()),
		provider: cfg.LLMProvider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   cfg.LLMAPIKey,
	}, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Chat performs one completion call. Non-2xx responses and empty choice
// lists are errors; retry policy is the caller's concern (see WithRetry).
func (c *HTTPChatter) Chat(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer httputil.DrainAndClose(resp.Body)

	// Providers are untrusted: bound the body read.
	respBody, err := httputil.ReadResponseBody(resp.Body, 2*1024*1024)
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("llm: no choices returned")
	}
	return result.Choices[0].Message.Content, nil
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: provider returned %d: %s", e.Code, truncate(e.Body, 200))
}

// Retryable reports whether the status indicates a transient condition.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// WithRetry calls c.Chat up to 1+budget times, retrying timeouts and
// retryable status errors with a short fixed backoff. Auth errors and
// other caller bugs are returned immediately.
func WithRetry(ctx context.Context, c Chatter, req Request, budget int) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= budget; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		out, err := c.Chat(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !transient(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("llm: retry budget exhausted: %w", lastErr)
}

func transient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Timeouts and connection resets surface as generic transport errors.
	return true
}
