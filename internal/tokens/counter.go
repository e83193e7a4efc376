// Package tokens estimates prompt and completion token counts.
package tokens

import (
	"context"
	"errors"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/davidbz/aibridge/internal/observability"
)

const (
	fallbackEncoding = "cl100k_base"
	bytesPerToken    = 4
)

var errNoEncoder = errors.New("no encoder available")

// Counter counts tokens with the model's BPE encoding, falling back to a
// byte-length estimate when no encoding can be loaded.
type Counter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
	load     func(model string) (*tiktoken.Tiktoken, error)
}

// Config selects how tokens are counted.
type Config struct {
	// EstimateOnly skips BPE encodings, which tiktoken downloads on first use.
	EstimateOnly bool `env:"TOKENS_ESTIMATE_ONLY" envDefault:"false" yaml:"estimate_only"`
}

// New creates the counter selected by config (DI constructor).
func New(config *Config) *Counter {
	if config != nil && config.EstimateOnly {
		return NewEstimator()
	}
	return NewCounter()
}

// NewCounter creates a tiktoken-backed counter.
func NewCounter() *Counter {
	return &Counter{
		encoders: make(map[string]*tiktoken.Tiktoken),
		load:     loadEncoding,
	}
}

// NewEstimator creates a counter that never loads encodings.
func NewEstimator() *Counter {
	return &Counter{
		encoders: make(map[string]*tiktoken.Tiktoken),
		load: func(string) (*tiktoken.Tiktoken, error) {
			return nil, errNoEncoder
		},
	}
}

// Count implements domain.TokenCounter.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}

	if enc := c.encoder(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate approximates the token count as one token per four bytes, rounded up.
func Estimate(text string) int {
	return (len(text) + bytesPerToken - 1) / bytesPerToken
}

// encoder returns the cached encoding for model. A failed load is cached as nil.
func (c *Counter) encoder(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, loaded := c.encoders[model]; loaded {
		return enc
	}

	enc, err := c.load(model)
	if err != nil {
		observability.FromContext(context.Background()).Debug("token encoding unavailable, estimating",
			observability.String("model", model),
			observability.Error(err))
		enc = nil
	}
	c.encoders[model] = enc
	return enc
}

func loadEncoding(model string) (*tiktoken.Tiktoken, error) {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return enc, nil
	}
	return tiktoken.GetEncoding(fallbackEncoding)
}
