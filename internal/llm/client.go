// Package llm talks to chat-completion backends.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lexiqai/david-relay/internal/observability"
	"github.com/lexiqai/david-relay/internal/resilience"
)

// ErrEmptyCompletion is returned when the backend answers without any text.
var ErrEmptyCompletion = errors.New("completion returned no content")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of an ordered completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client turns an ordered message list into a single reply.
type Client interface {
	Complete(ctx context.Context, model string, messages []Message) (string, error)
}

// APIError is a non-2xx answer from a completion backend.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API returned status %d: %s", e.Provider, e.Status, e.Body)
}

// StatusCode returns the HTTP status of the failed call.
func (e *APIError) StatusCode() int {
	return e.Status
}

// guard runs call under the breaker and retry policy and records metrics.
// Either policy may be nil.
func guard(ctx context.Context, provider string, breaker *resilience.CircuitBreaker, retry *resilience.RetryConfig, call func(ctx context.Context) (string, error)) (string, error) {
	start := time.Now()

	var out string
	attempt := func(ctx context.Context) error {
		var err error
		if breaker == nil {
			out, err = call(ctx)
			return err
		}
		return breaker.Execute(ctx, func(ctx context.Context) error {
			out, err = call(ctx)
			return err
		})
	}

	var err error
	if retry != nil {
		err = resilience.Retry(ctx, attempt, retry, resilience.IsRetryableUpstreamError)
	} else {
		err = attempt(ctx)
	}

	observability.ObserveCompletion(provider, start, err)
	if err != nil {
		return "", err
	}
	return out, nil
}
