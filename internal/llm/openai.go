package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"

	"github.com/starford/ansuz/internal/apperr"
)

// OpenAIClient is a Provider backed by the OpenAI chat completions API or
// any OpenAI-compatible endpoint (set via baseURL).
type OpenAIClient struct {
	name   string
	client *openai.Client
}

// NewOpenAIClient creates a provider. baseURL may be empty for the
// official API.
func NewOpenAIClient(name, apiKey, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("provider %s: api key is empty", name)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{name: name, client: openai.NewClientWithConfig(cfg)}, nil
}

// Name returns the configured provider id.
func (c *OpenAIClient) Name() string { return c.name }

// Invoke performs one chat completion call.
func (c *OpenAIClient) Invoke(ctx context.Context, req Request) (*Result, error) {
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, c.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &apperr.ProviderError{
			Kind:     apperr.ProviderInvalidRequest,
			Provider: c.name,
			Err:      errors.New("response contained no choices"),
		}
	}
	return &Result{
		Provider: c.name,
		Model:    req.Model,
		Text:     resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// wrap maps transport and API errors onto the ProviderError taxonomy.
func (c *OpenAIClient) wrap(err error) error {
	kind := apperr.ProviderTimeout

	var apiErr *openai.APIError
	switch {
	case errors.As(err, &apiErr):
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			kind = apperr.ProviderAuth
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			kind = apperr.ProviderRateLimit
		default:
			kind = apperr.ProviderInvalidRequest
		}
	case errors.Is(err, context.DeadlineExceeded):
		kind = apperr.ProviderTimeout
	case errors.Is(err, context.Canceled):
		// Cancellation propagates as-is so callers can distinguish it
		// from provider faults.
		return err
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = apperr.ProviderTimeout
		}
	}

	return &apperr.ProviderError{Kind: kind, Provider: c.name, Err: err}
}
