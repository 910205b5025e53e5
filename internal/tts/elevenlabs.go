package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lexiqai/david-relay/internal/resilience"
)

const chunkSize = 4096

// ElevenLabsConfig configures an ElevenLabsClient.
type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	VoiceID      string
	ModelID      string
	OutputFormat string
	HTTPClient   *http.Client
	Breaker      *resilience.CircuitBreaker
	Retry        *resilience.RetryConfig
}

// ElevenLabsClient implements Client with the ElevenLabs streaming
// text-to-speech endpoint.
type ElevenLabsClient struct {
	cfg        ElevenLabsConfig
	httpClient *http.Client
}

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

// NewElevenLabsClient creates a new ElevenLabs TTS client
func NewElevenLabsClient(cfg ElevenLabsConfig) *ElevenLabsClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &ElevenLabsClient{cfg: cfg, httpClient: httpClient}
}

// Stream starts synthesis of text. Connection failures and error statuses
// are retried before any audio arrives; once the stream has started a
// failure ends it and is reported by Err.
func (c *ElevenLabsClient) Stream(ctx context.Context, text string) (*AudioStream, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("elevenlabs API key not configured")
	}

	payload, err := json.Marshal(elevenLabsRequest{Text: text, ModelID: c.cfg.ModelID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	stream, streamCtx := NewAudioStream(ctx)

	var resp *http.Response
	open := func(ctx context.Context) error {
		var err error
		resp, err = c.open(ctx, payload)
		return err
	}
	attempt := open
	if c.cfg.Breaker != nil {
		attempt = func(ctx context.Context) error {
			return c.cfg.Breaker.Execute(ctx, open)
		}
	}
	if c.cfg.Retry != nil {
		err = resilience.Retry(streamCtx, attempt, c.cfg.Retry, resilience.IsRetryableUpstreamError)
	} else {
		err = attempt(streamCtx)
	}
	if err != nil {
		stream.Finish(err)
		return nil, err
	}

	go c.pump(streamCtx, resp.Body, stream)
	return stream, nil
}

func (c *ElevenLabsClient) open(ctx context.Context, payload []byte) (*http.Response, error) {
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream", c.cfg.BaseURL, url.PathEscape(c.cfg.VoiceID))
	if c.cfg.OutputFormat != "" {
		endpoint += "?output_format=" + url.QueryEscape(c.cfg.OutputFormat)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

// pump forwards the response body as it arrives.
func (c *ElevenLabsClient) pump(ctx context.Context, body io.ReadCloser, stream *AudioStream) {
	defer body.Close()

	buf := make([]byte, chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !stream.Send(ctx, chunk) {
				stream.Finish(ctx.Err())
				return
			}
		}
		if errors.Is(err, io.EOF) {
			stream.Finish(nil)
			return
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			stream.Finish(fmt.Errorf("read synthesis stream: %w", err))
			return
		}
	}
}

// Configured reports whether the client has credentials.
func (c *ElevenLabsClient) Configured(context.Context) (bool, error) {
	return c.cfg.APIKey != "", nil
}
