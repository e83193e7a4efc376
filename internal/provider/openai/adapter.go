// Package openai provides an adapter for the OpenAI API using the official SDK.
// Non-streaming calls go through the SDK with a fixed two-attempt budget;
// streaming calls are posted raw and decoded frame by frame.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/davidbz/aibridge/internal/domain"
	"github.com/davidbz/aibridge/internal/observability"
	"github.com/davidbz/aibridge/internal/stream"
)

// callAttempts is the number of tries for a non-streaming call.
const callAttempts = 2

// Provider implements the domain.Provider interface for OpenAI.
type Provider struct {
	client   openai.Client
	streamer *Client
	name     string
	models   map[string]bool
}

// NewProvider creates a new OpenAI provider.
func NewProvider(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(config.BaseURL, "/")+"/"))
	}

	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(time.Duration(config.Timeout)*time.Second))
	}

	return &Provider{
		client:   openai.NewClient(opts...),
		streamer: NewClient(config),
		name:     "openai",
		models:   buildModelSet(SupportedModels()),
	}, nil
}

// Complete runs a legacy completion.
func (p *Provider) Complete(
	ctx context.Context,
	prompt string,
	opts domain.Options,
	listener domain.TokenListener,
) (string, error) {
	if opts.Stream {
		req := newStreamRequest(opts)
		req.Prompt = &prompt
		return p.stream(ctx, completionsPath, req, listener)
	}

	params := toCompletionParams(prompt, opts)
	text, err := p.attempt(ctx, func(ctx context.Context) (string, error) {
		resp, err := p.client.Completions.New(ctx, params)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("no choices returned")
		}
		return resp.Choices[0].Text, nil
	})
	if err != nil {
		return "", err
	}

	return notify(text, listener)
}

// Chat runs a chat completion.
func (p *Provider) Chat(
	ctx context.Context,
	messages []domain.Message,
	opts domain.Options,
	listener domain.TokenListener,
) (string, error) {
	if opts.Stream {
		req := newStreamRequest(opts)
		req.Messages = messages
		return p.stream(ctx, chatCompletionsPath, req, listener)
	}

	params := toChatParams(messages, opts)
	text, err := p.attempt(ctx, func(ctx context.Context) (string, error) {
		resp, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("no choices returned")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return "", err
	}

	return notify(text, listener)
}

// Embed returns the embedding vector of input.
func (p *Provider) Embed(ctx context.Context, input string, opts domain.Options) ([]float64, error) {
	var embedding []float64

	_, err := p.attempt(ctx, func(ctx context.Context) (string, error) {
		//nolint:exhaustruct // OpenAI SDK struct has many optional fields
		resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: []string{input},
			},
			Model: openai.EmbeddingModel(opts.Model),
		})
		if err != nil {
			return "", err
		}
		if len(resp.Data) == 0 {
			return "", errors.New("no embeddings returned")
		}
		embedding = resp.Data[0].Embedding
		return "", nil
	})
	if err != nil {
		return nil, err
	}

	return embedding, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// IsModelSupported checks if the provider supports the given model.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	return p.models[model]
}

// SupportedModels lists the models known up front.
func (p *Provider) SupportedModels(_ context.Context) []string {
	return SupportedModels()
}

// attempt runs call up to callAttempts times and wraps the last failure in ErrProvider.
func (p *Provider) attempt(ctx context.Context, call func(ctx context.Context) (string, error)) (string, error) {
	logger := observability.FromContext(ctx)

	var lastErr error
	for try := 1; try <= callAttempts; try++ {
		text, err := call(ctx)
		if err == nil {
			return strings.TrimSpace(text), nil
		}

		lastErr = err
		logger.Warn("OpenAI API call failed",
			observability.Int("attempt", try),
			observability.Error(err))

		if ctx.Err() != nil {
			break
		}
	}

	return "", fmt.Errorf("%w: OpenAI API call failed: %w", domain.ErrProvider, lastErr)
}

// stream posts a streaming request once and decodes the event stream.
func (p *Provider) stream(
	ctx context.Context,
	path string,
	req streamRequest,
	listener domain.TokenListener,
) (string, error) {
	logger := observability.FromContext(ctx)
	logger.Debug("calling OpenAI streaming API", observability.String("path", path))

	body, err := p.streamer.Stream(ctx, path, req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrProvider, err)
	}
	defer body.Close()

	result, err := stream.Decode(ctx, body, listener)
	if err != nil {
		return "", err
	}

	logger.Debug("OpenAI stream completed", observability.Int("length", len(result)))
	return result, nil
}

// notify hands a non-streamed result to the listener as a single token.
func notify(text string, listener domain.TokenListener) (string, error) {
	if listener != nil && text != "" {
		if err := listener(text); err != nil {
			return "", err
		}
	}
	return text, nil
}

// toChatParams converts domain messages and options to SDK ChatCompletionNewParams.
func toChatParams(msgs []domain.Message, opts domain.Options) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, len(msgs))
	for i, msg := range msgs {
		switch msg.Role {
		case "user":
			messages[i] = openai.UserMessage(msg.Content)
		case "assistant":
			messages[i] = openai.AssistantMessage(msg.Content)
		case "system":
			messages[i] = openai.SystemMessage(msg.Content)
		default:
			// Fallback to user message if role is unknown
			messages[i] = openai.UserMessage(msg.Content)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(opts.Model),
		Messages: messages,
	}

	if opts.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*opts.MaxTokens))
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = openai.Float(*opts.TopP)
	}
	if opts.PresencePenalty != nil {
		params.PresencePenalty = openai.Float(*opts.PresencePenalty)
	}
	if opts.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.Float(*opts.FrequencyPenalty)
	}
	if len(opts.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: opts.Stop}
	}
	if len(opts.LogitBias) > 0 {
		params.LogitBias = toLogitBias(opts.LogitBias)
	}
	if opts.User != "" {
		params.User = openai.String(opts.User)
	}

	return params
}

// toCompletionParams converts a prompt and options to SDK CompletionNewParams.
func toCompletionParams(prompt string, opts domain.Options) openai.CompletionNewParams {
	params := openai.CompletionNewParams{
		Model:  openai.CompletionNewParamsModel(opts.Model),
		Prompt: openai.CompletionNewParamsPromptUnion{OfString: openai.String(prompt)},
	}

	if opts.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*opts.MaxTokens))
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = openai.Float(*opts.TopP)
	}
	if opts.PresencePenalty != nil {
		params.PresencePenalty = openai.Float(*opts.PresencePenalty)
	}
	if opts.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.Float(*opts.FrequencyPenalty)
	}
	if len(opts.Stop) > 0 {
		params.Stop = openai.CompletionNewParamsStopUnion{OfStringArray: opts.Stop}
	}
	if len(opts.LogitBias) > 0 {
		params.LogitBias = toLogitBias(opts.LogitBias)
	}
	if opts.Suffix != nil {
		params.Suffix = openai.String(*opts.Suffix)
	}
	if opts.User != "" {
		params.User = openai.String(opts.User)
	}

	return params
}

func toLogitBias(bias map[string]int) map[string]int64 {
	out := make(map[string]int64, len(bias))
	for token, weight := range bias {
		out[token] = int64(weight)
	}
	return out
}
