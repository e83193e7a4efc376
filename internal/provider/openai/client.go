package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/davidbz/aibridge/internal/domain"
)

const (
	completionsPath     = "/completions"
	chatCompletionsPath = "/chat/completions"
)

// Client wraps the HTTP client for streaming OpenAI API calls.
// The SDK handles non-streaming calls; streams are read raw so the
// event frames reach the stream decoder untouched.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new OpenAI HTTP client.
func NewClient(config Config) *Client {
	return &Client{
		apiKey:  config.APIKey,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Duration(config.Timeout) * time.Second,
		},
	}
}

// streamRequest is the JSON body of a streaming completion or chat call.
type streamRequest struct {
	Model            string           `json:"model"`
	Prompt           *string          `json:"prompt,omitempty"`
	Messages         []domain.Message `json:"messages,omitempty"`
	MaxTokens        *int             `json:"max_tokens,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	Stop             []string         `json:"stop,omitempty"`
	LogitBias        map[string]int   `json:"logit_bias,omitempty"`
	Suffix           *string          `json:"suffix,omitempty"`
	User             string           `json:"user,omitempty"`
	Stream           bool             `json:"stream"`
}

func newStreamRequest(opts domain.Options) streamRequest {
	return streamRequest{
		Model:            opts.Model,
		MaxTokens:        opts.MaxTokens,
		Temperature:      opts.Temperature,
		TopP:             opts.TopP,
		PresencePenalty:  opts.PresencePenalty,
		FrequencyPenalty: opts.FrequencyPenalty,
		Stop:             opts.Stop,
		LogitBias:        opts.LogitBias,
		Suffix:           opts.Suffix,
		User:             opts.User,
		Stream:           true,
	}
}

// Stream posts req to path and returns the event stream body. The caller closes it.
func (c *Client) Stream(ctx context.Context, path string, req streamRequest) (io.ReadCloser, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+path,
		bytes.NewReader(reqBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	return resp.Body, nil
}
