package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/yoonmo01/VP2-sub000/pkg/config"
	"github.com/yoonmo01/VP2-sub000/pkg/httputil"
)

// OpenAIChatter wraps the official openai-go client for direct OpenAI use.
type OpenAIChatter struct {
	client openai.Client
}

func newOpenAIChatter(cfg *config.Config) *OpenAIChatter {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.LLMAPIKey),
		option.WithHTTPClient(httputil.NewClient(cfg.LLMTimeout())),
	}
	if cfg.LLMBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.LLMBaseURL))
	}
	return &OpenAIChatter{client: openai.NewClient(opts...)}
}

// Chat performs one chat completion against the OpenAI API.
func (c *OpenAIChatter) Chat(ctx context.Context, req Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: openai.Float(req.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("llm: openai completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("llm: no choices returned")
	}
	return completion.Choices[0].Message.Content, nil
}
