// Package echo provides a testing provider that echoes back its input.
// It implements the domain.Provider interface without making external API calls,
// providing deterministic responses for testing and development purposes.
package echo

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/davidbz/aibridge/internal/domain"
	"github.com/davidbz/aibridge/internal/observability"
)

const (
	providerName       = "echo"
	modelName          = "echo4"
	embeddingModelName = "echo-embedding"
	embeddingDimension = 8
	chunkDelay         = 10 * time.Millisecond
)

// Provider implements the domain.Provider interface for echo testing.
type Provider struct {
	name            string
	supportedModels map[string]bool
	delay           time.Duration
}

// NewProvider creates a new echo provider.
// No configuration is required as this provider operates entirely in-memory.
func NewProvider() *Provider {
	return &Provider{
		name: providerName,
		supportedModels: map[string]bool{
			modelName:          true,
			embeddingModelName: true,
		},
		delay: chunkDelay,
	}
}

// Complete echoes the prompt.
func (p *Provider) Complete(
	ctx context.Context,
	prompt string,
	opts domain.Options,
	listener domain.TokenListener,
) (string, error) {
	if opts.Model != modelName {
		return "", fmt.Errorf("model %s is not supported by echo provider", opts.Model)
	}

	observability.FromContext(ctx).Debug("echoing prompt")
	return p.reply(ctx, strings.TrimSpace(prompt), opts.Stream, listener)
}

// Chat echoes every message as "[role]: content".
func (p *Provider) Chat(
	ctx context.Context,
	messages []domain.Message,
	opts domain.Options,
	listener domain.TokenListener,
) (string, error) {
	if opts.Model != modelName {
		return "", fmt.Errorf("model %s is not supported by echo provider", opts.Model)
	}

	observability.FromContext(ctx).Debug("echoing messages", observability.Int("messages", len(messages)))
	return p.reply(ctx, buildEchoContent(messages), opts.Stream, listener)
}

// Embed derives a unit-range vector from the SHA-256 of input.
func (p *Provider) Embed(_ context.Context, input string, opts domain.Options) ([]float64, error) {
	if opts.Model != embeddingModelName {
		return nil, fmt.Errorf("model %s is not an echo embedding model", opts.Model)
	}

	sum := sha256.Sum256([]byte(input))
	vector := make([]float64, embeddingDimension)
	for i := range vector {
		word := binary.BigEndian.Uint32(sum[i*4:])
		vector[i] = float64(word)/math.MaxUint32*2 - 1
	}
	return vector, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// IsModelSupported checks if the provider supports the given model.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	return p.supportedModels[model]
}

// SupportedModels returns a list of all models this provider supports.
func (p *Provider) SupportedModels(_ context.Context) []string {
	models := make([]string, 0, len(p.supportedModels))
	for model := range p.supportedModels {
		models = append(models, model)
	}
	return models
}

// reply hands content to the listener word by word when streaming, or whole otherwise.
func (p *Provider) reply(
	ctx context.Context,
	content string,
	stream bool,
	listener domain.TokenListener,
) (string, error) {
	if listener == nil || content == "" {
		return content, nil
	}

	if !stream {
		if err := listener(content); err != nil {
			return "", err
		}
		return content, nil
	}

	// Split content into words for streaming
	words := strings.Fields(content)
	for i, word := range words {
		delta := word
		if i < len(words)-1 {
			delta += " "
		}

		if err := listener(delta); err != nil {
			return "", err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.delay):
		}
	}

	return strings.Join(words, " "), nil
}

// buildEchoContent constructs the echo response from request messages.
func buildEchoContent(messages []domain.Message) string {
	if len(messages) == 0 {
		return ""
	}

	var builder strings.Builder
	for _, msg := range messages {
		builder.WriteString(fmt.Sprintf("[%s]: %s\n", msg.Role, msg.Content))
	}
	return strings.TrimSpace(builder.String())
}
