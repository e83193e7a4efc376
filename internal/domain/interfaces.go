package domain

import "context"

// TokenListener receives each streamed token, in order, before the next one is decoded.
// A non-nil error aborts the call.
type TokenListener func(token string) error

// Provider represents the remote text-generation/embedding provider.
type Provider interface {
	// Complete runs a legacy prompt completion. Streaming is selected by opts.Stream.
	Complete(ctx context.Context, prompt string, opts Options, listener TokenListener) (string, error)

	// Chat runs a chat completion. Streaming is selected by opts.Stream.
	Chat(ctx context.Context, messages []Message, opts Options, listener TokenListener) (string, error)

	// Embed returns the embedding vector of input.
	Embed(ctx context.Context, input string, opts Options) ([]float64, error)

	// Name returns the provider identifier.
	Name() string

	// IsModelSupported checks if the provider supports the given model.
	IsModelSupported(ctx context.Context, model string) bool

	// SupportedModels lists the models known up front.
	SupportedModels(ctx context.Context) []string
}

// ProviderRegistry manages available providers.
type ProviderRegistry interface {
	// Register adds a provider to the registry.
	Register(ctx context.Context, provider Provider) error

	// Get retrieves a provider by name.
	Get(ctx context.Context, providerName string) (Provider, error)

	// GetByModel retrieves the provider serving model.
	GetByModel(ctx context.Context, model string) (Provider, error)

	// List returns all available providers.
	List(ctx context.Context) ([]string, error)
}

// CacheTier is one storage tier of the layered cache.
type CacheTier interface {
	// Name identifies the tier in logs and metrics.
	Name() string

	// Setup prepares the tier (directories, connections).
	Setup(ctx context.Context) error

	// Get returns the payload stored for entry or ErrCacheMiss.
	Get(ctx context.Context, entry *CacheEntry) (*Payload, error)

	// Put stores payload for entry. A put for an existing entry is a no-op or an idempotent upsert.
	Put(ctx context.Context, entry *CacheEntry, payload *Payload) error

	// Close releases tier resources.
	Close(ctx context.Context) error
}

// Dispatcher bounds and paces outbound provider calls.
type Dispatcher interface {
	// Submit runs task once a slot is free and returns its error.
	Submit(ctx context.Context, task func(ctx context.Context) error) error
}

// TokenCounter estimates the token length of text.
type TokenCounter interface {
	Count(model, text string) int
}

// MetricsRecorder receives cache and provider outcomes.
type MetricsRecorder interface {
	CacheLookup(tier string, kind Kind, result string)
	CacheWrite(tier string, kind Kind, result string)
	ProviderCall(kind Kind, model string, result string)
}

type noopRecorder struct{}

func (noopRecorder) CacheLookup(string, Kind, string)  {}
func (noopRecorder) CacheWrite(string, Kind, string)   {}
func (noopRecorder) ProviderCall(Kind, string, string) {}

// Metric result labels.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
	ResultOK    = "ok"
)
