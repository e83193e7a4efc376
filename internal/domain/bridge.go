package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidbz/aibridge/internal/observability"
)

// minCompletionTokens is the smallest completion budget worth sending.
const minCompletionTokens = 50

// chatMessageOverhead is the per-message token cost of chat framing.
const chatMessageOverhead = 2

// BridgeDefaults fills options the caller left unset.
type BridgeDefaults struct {
	CompletionModel string `env:"DEFAULT_COMPLETION_MODEL" envDefault:"gpt-3.5-turbo"          yaml:"completion_model"`
	ChatModel       string `env:"DEFAULT_CHAT_MODEL"       envDefault:"gpt-3.5-turbo"          yaml:"chat_model"`
	EmbeddingModel  string `env:"DEFAULT_EMBEDDING_MODEL"  envDefault:"text-embedding-ada-002" yaml:"embedding_model"`
	// Total token budgets used to derive max_tokens; 0 leaves max_tokens unset.
	CompletionTotalTokens int `env:"DEFAULT_COMPLETION_TOTAL_TOKENS" envDefault:"4080" yaml:"completion_total_tokens"`
	ChatTotalTokens       int `env:"DEFAULT_CHAT_TOTAL_TOKENS"       envDefault:"0"    yaml:"chat_total_tokens"`
}

// BridgeService orchestrates cache lookups, throttled provider calls and write-back.
type BridgeService struct {
	registry   ProviderRegistry
	cache      *LayeredCache
	dispatcher Dispatcher
	tokens     TokenCounter
	metrics    MetricsRecorder
	defaults   BridgeDefaults

	// rnd feeds automatic variant selection; nil uses math/rand.
	rnd func() float64
}

// NewBridgeService creates a new bridge service (DI constructor).
// cache and dispatcher may be nil to disable caching and throttling.
func NewBridgeService(
	registry ProviderRegistry,
	cache *LayeredCache,
	dispatcher Dispatcher,
	tokens TokenCounter,
	metrics MetricsRecorder,
	defaults BridgeDefaults,
) *BridgeService {
	if metrics == nil {
		metrics = noopRecorder{}
	}

	return &BridgeService{
		registry:   registry,
		cache:      cache,
		dispatcher: dispatcher,
		tokens:     tokens,
		metrics:    metrics,
		defaults:   defaults,
	}
}

// Complete handles a legacy prompt completion.
func (b *BridgeService) Complete(
	ctx context.Context,
	req *CompletionRequest,
	listener TokenListener,
) (*CompletionResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	opts := req.Options
	if opts.Model == "" {
		opts.Model = b.defaults.CompletionModel
	}
	opts.Temperature = orDefault(opts.Temperature, 0)
	opts.PresencePenalty = orDefault(opts.PresencePenalty, 0)
	opts.FrequencyPenalty = orDefault(opts.FrequencyPenalty, 0)

	promptTokens := b.count(opts.Model, req.Prompt)
	if err := b.budget(&opts, b.defaults.CompletionTotalTokens, promptTokens); err != nil {
		return nil, err
	}

	return b.generate(ctx, KindCompletion, req.Prompt, opts, req.Group, req.Variant, promptTokens, listener,
		func(ctx context.Context, provider Provider) (string, error) {
			return provider.Complete(ctx, req.Prompt, opts, listener)
		})
}

// Chat handles a chat completion. The message list serialized as JSON is the cache prompt.
func (b *BridgeService) Chat(
	ctx context.Context,
	req *ChatRequest,
	listener TokenListener,
) (*CompletionResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages cannot be empty", ErrConfiguration)
	}

	opts := req.Options
	if opts.Model == "" {
		opts.Model = b.defaults.ChatModel
	}
	opts.Temperature = orDefault(opts.Temperature, 0)
	opts.TopP = orDefault(opts.TopP, 1)
	opts.PresencePenalty = orDefault(opts.PresencePenalty, 0)
	opts.FrequencyPenalty = orDefault(opts.FrequencyPenalty, 0)

	prompt, err := ChatPrompt(req.Messages)
	if err != nil {
		return nil, err
	}

	promptTokens := 0
	for _, msg := range req.Messages {
		promptTokens += b.count(opts.Model, msg.Content)
	}
	overhead := chatMessageOverhead * len(req.Messages)
	if budgetErr := b.budget(&opts, b.defaults.ChatTotalTokens, promptTokens+overhead); budgetErr != nil {
		return nil, budgetErr
	}

	return b.generate(ctx, KindChat, prompt, opts, req.Group, req.Variant, promptTokens, listener,
		func(ctx context.Context, provider Provider) (string, error) {
			return provider.Chat(ctx, req.Messages, opts, listener)
		})
}

// Embed returns the embedding vector of a single input.
func (b *BridgeService) Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	opts := req.Options
	if opts.Model == "" {
		opts.Model = b.defaults.EmbeddingModel
	}

	ctx = b.scope(ctx, KindEmbedding, opts.Model, req.Group)
	logger := observability.FromContext(ctx)
	usage := Usage{PromptTokens: b.count(opts.Model, req.Input)}

	if payload, hit, err := b.lookup(ctx, KindEmbedding, req.Input, opts, req.Group, 0); err != nil {
		return nil, err
	} else if hit {
		return &EmbeddingResult{Model: opts.Model, Embedding: payload.Embedding, Usage: usage, Cached: true}, nil
	}

	provider, err := b.registry.GetByModel(ctx, opts.Model)
	if err != nil {
		return nil, fmt.Errorf("provider routing failed: %w", err)
	}

	var embedding []float64
	err = b.dispatch(ctx, func(ctx context.Context) error {
		var embedErr error
		embedding, embedErr = provider.Embed(ctx, req.Input, opts)
		return embedErr
	})
	if err != nil {
		b.metrics.ProviderCall(KindEmbedding, opts.Model, ResultError)
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	b.metrics.ProviderCall(KindEmbedding, opts.Model, ResultOK)

	b.store(ctx, KindEmbedding, req.Input, &Payload{Embedding: embedding}, opts, req.Group, 0)

	logger.Debug("embedding served by provider", observability.Int("dimensions", len(embedding)))
	return &EmbeddingResult{Model: opts.Model, Embedding: embedding, Usage: usage}, nil
}

// generate runs the shared completion/chat flow: lookup, dispatch, write-back.
func (b *BridgeService) generate(
	ctx context.Context,
	kind Kind,
	prompt string,
	opts Options,
	group string,
	pinned *int,
	promptTokens int,
	listener TokenListener,
	call func(ctx context.Context, provider Provider) (string, error),
) (*CompletionResult, error) {
	ctx = b.scope(ctx, kind, opts.Model, group)
	variant := b.variant(pinned, opts)

	payload, hit, err := b.lookup(ctx, kind, prompt, opts, group, variant)
	if err != nil {
		return nil, err
	}
	if hit {
		if listener != nil {
			if listenErr := listener(payload.Completion); listenErr != nil {
				return nil, listenErr
			}
		}
		return &CompletionResult{
			Model:      opts.Model,
			Completion: payload.Completion,
			Usage: Usage{
				PromptTokens:     promptTokens,
				CompletionTokens: b.count(opts.Model, payload.Completion),
			},
			Cached: true,
		}, nil
	}

	provider, err := b.registry.GetByModel(ctx, opts.Model)
	if err != nil {
		return nil, fmt.Errorf("provider routing failed: %w", err)
	}

	var completion string
	err = b.dispatch(ctx, func(ctx context.Context) error {
		var callErr error
		completion, callErr = call(ctx, provider)
		return callErr
	})
	if err != nil {
		b.metrics.ProviderCall(kind, opts.Model, ResultError)
		return nil, fmt.Errorf("%s failed: %w", kind, err)
	}
	b.metrics.ProviderCall(kind, opts.Model, ResultOK)

	b.store(ctx, kind, prompt, &Payload{Completion: completion}, opts, group, variant)

	return &CompletionResult{
		Model:      opts.Model,
		Completion: completion,
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: b.count(opts.Model, completion),
		},
	}, nil
}

// lookup reads the layered cache. Remote outages degrade to a miss; configuration errors do not.
func (b *BridgeService) lookup(
	ctx context.Context,
	kind Kind,
	prompt string,
	opts Options,
	group string,
	variant int,
) (*Payload, bool, error) {
	if b.cache == nil {
		return nil, false, nil
	}

	logger := observability.FromContext(ctx)

	payload, err := b.cache.Read(ctx, kind, prompt, opts, group, variant)
	switch {
	case err == nil:
		logger.Info("cache HIT", observability.Int("variant", variant))
		return payload, true, nil
	case errors.Is(err, ErrCacheMiss):
		logger.Info("cache MISS - calling provider", observability.Int("variant", variant))
		return nil, false, nil
	case errors.Is(err, ErrConfiguration):
		return nil, false, err
	default:
		logger.Warn("cache read failed, continuing without cache", observability.Error(err))
		return nil, false, nil
	}
}

// store writes back a provider result. Failures are logged and never fail the request.
func (b *BridgeService) store(
	ctx context.Context,
	kind Kind,
	prompt string,
	payload *Payload,
	opts Options,
	group string,
	variant int,
) {
	if b.cache == nil {
		return
	}

	if err := b.cache.Write(ctx, kind, prompt, payload, opts, group, variant); err != nil {
		observability.FromContext(ctx).Warn("failed to store in cache", observability.Error(err))
	}
}

func (b *BridgeService) dispatch(ctx context.Context, task func(ctx context.Context) error) error {
	if b.dispatcher == nil {
		return task(ctx)
	}
	return b.dispatcher.Submit(ctx, task)
}

// budget derives max_tokens from the total token budget when the caller left it unset.
func (b *BridgeService) budget(opts *Options, defaultTotal, used int) error {
	if opts.MaxTokens != nil {
		return nil
	}

	total := opts.TotalTokens
	if total == 0 {
		total = defaultTotal
	}
	if total <= 0 {
		return nil
	}

	remaining := total - used
	if remaining <= minCompletionTokens {
		return fmt.Errorf("%w: %d of %d tokens used by the prompt", ErrPromptTooLarge, used, total)
	}
	opts.MaxTokens = &remaining
	return nil
}

func (b *BridgeService) variant(pinned *int, opts Options) int {
	if pinned != nil {
		return max(*pinned, 0)
	}
	if b.cache == nil {
		return 0
	}
	return SelectVariant(opts.TemperatureValue(), b.cache.config.TemperatureKeyMultiplier, b.rnd)
}

func (b *BridgeService) count(model, text string) int {
	if b.tokens == nil {
		return 0
	}
	return b.tokens.Count(model, text)
}

func (b *BridgeService) scope(ctx context.Context, kind Kind, model, group string) context.Context {
	if group == "" {
		group = DefaultGroup
	}
	ctx = observability.WithOperation(ctx, string(kind))
	ctx = observability.WithModel(ctx, model)
	return observability.WithCacheGroup(ctx, group)
}

func orDefault(v *float64, fallback float64) *float64 {
	if v != nil {
		return v
	}
	return &fallback
}
