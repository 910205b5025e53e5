package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lexiqai/david-relay/internal/resilience"
)

const providerOpenAI = "openai"

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Breaker    *resilience.CircuitBreaker
	Retry      *resilience.RetryConfig
}

// OpenAIClient implements Client against the OpenAI chat-completions API.
type OpenAIClient struct {
	apiKey  string
	client  *openai.Client
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	config := openai.DefaultConfig(cfg.APIKey)
	if baseURL := strings.TrimRight(cfg.BaseURL, "/"); baseURL != "" {
		config.BaseURL = baseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	config.HTTPClient = statusDoer{client: httpClient}

	return &OpenAIClient{
		apiKey:  cfg.APIKey,
		client:  openai.NewClientWithConfig(config),
		breaker: cfg.Breaker,
		retry:   cfg.Retry,
	}
}

// Complete sends messages to the chat-completions endpoint and returns the
// first choice.
func (c *OpenAIClient) Complete(ctx context.Context, model string, messages []Message) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("openai API key not configured")
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
	}
	return guard(ctx, providerOpenAI, c.breaker, c.retry, func(ctx context.Context) (string, error) {
		return c.do(ctx, req)
	})
}

func (c *OpenAIClient) do(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", openAIError(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// openAIError maps go-openai failures to *APIError so callers can classify
// them by status.
func openAIError(err error) error {
	var own *APIError
	if errors.As(err, &own) {
		return own
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &APIError{Provider: providerOpenAI, Status: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &APIError{Provider: providerOpenAI, Status: reqErr.HTTPStatusCode, Body: body}
	}
	return fmt.Errorf("openai request failed: %w", err)
}

// statusDoer turns error responses without a JSON body (proxies, gateways)
// into *APIError before go-openai sees them, keeping the status code.
type statusDoer struct {
	client *http.Client
}

func (d statusDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.client.Do(req)
	if err != nil || resp.StatusCode < http.StatusBadRequest {
		return resp, err
	}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "application/json" {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return nil, &APIError{Provider: providerOpenAI, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// Configured reports whether the client has credentials.
func (c *OpenAIClient) Configured(context.Context) (bool, error) {
	return c.apiKey != "", nil
}
