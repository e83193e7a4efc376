package domain

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/davidbz/aibridge/internal/observability"
)

// DefaultGroup is the cache group used when the caller supplies none.
const DefaultGroup = "default"

// LayeredCacheConfig gates caching per operation family.
type LayeredCacheConfig struct {
	PromptCacheEnabled    bool `env:"CACHE_PROMPT_ENABLED"    envDefault:"true" yaml:"prompt_cache_enabled"`
	EmbeddingCacheEnabled bool `env:"CACHE_EMBEDDING_ENABLED" envDefault:"true" yaml:"embedding_cache_enabled"`
	// TemperatureKeyMultiplier scales temperature into the number of variant buckets.
	TemperatureKeyMultiplier float64 `env:"CACHE_TEMPERATURE_KEY_MULTIPLIER" envDefault:"3" yaml:"temperature_key_multiplier"`
}

// LayeredCache combines a local and a remote tier with read-through,
// write-through and promotion of remote hits into the local tier.
// Either tier may be nil.
type LayeredCache struct {
	config  LayeredCacheConfig
	local   CacheTier
	remote  CacheTier
	metrics MetricsRecorder

	mu         sync.Mutex
	closed     bool
	promotions sync.WaitGroup
}

// NewLayeredCache creates a layered cache (DI constructor).
func NewLayeredCache(
	config LayeredCacheConfig,
	local CacheTier,
	remote CacheTier,
	metrics MetricsRecorder,
) *LayeredCache {
	if metrics == nil {
		metrics = noopRecorder{}
	}

	return &LayeredCache{
		config:  config,
		local:   local,
		remote:  remote,
		metrics: metrics,
	}
}

// Setup prepares every configured tier.
func (c *LayeredCache) Setup(ctx context.Context) error {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()

	for _, tier := range c.tiers() {
		if err := tier.Setup(ctx); err != nil {
			return fmt.Errorf("failed to set up %s cache: %w", tier.Name(), err)
		}
	}
	return nil
}

// Close waits for pending promotions, bounded by ctx, then closes every tier.
func (c *LayeredCache) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.promotions.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		observability.FromContext(ctx).Warn("closing cache with promotions still in flight")
	}

	var errs []error
	for _, tier := range c.tiers() {
		if err := tier.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s cache: %w", tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Read returns the cached payload or ErrCacheMiss.
// Local failures read as misses; remote failures are returned wrapped in ErrCacheUnavailable.
func (c *LayeredCache) Read(
	ctx context.Context,
	kind Kind,
	prompt string,
	opts Options,
	group string,
	variant int,
) (*Payload, error) {
	if !c.enabled(kind) {
		return nil, ErrCacheMiss
	}

	entry, err := newCacheEntry(kind, prompt, opts, group, variant)
	if err != nil {
		return nil, err
	}

	logger := observability.FromContext(ctx)

	if c.local != nil {
		payload, localErr := c.local.Get(ctx, entry)
		if localErr == nil {
			c.metrics.CacheLookup(c.local.Name(), kind, ResultHit)
			return payload, nil
		}
		if !errors.Is(localErr, ErrCacheMiss) {
			logger.Debug("local cache read absorbed", observability.Error(localErr))
		}
		c.metrics.CacheLookup(c.local.Name(), kind, ResultMiss)
	}

	if c.remote != nil {
		payload, remoteErr := c.remote.Get(ctx, entry)
		switch {
		case remoteErr == nil:
			c.metrics.CacheLookup(c.remote.Name(), kind, ResultHit)
			c.promote(ctx, entry, payload)
			return payload, nil
		case errors.Is(remoteErr, ErrCacheMiss):
			c.metrics.CacheLookup(c.remote.Name(), kind, ResultMiss)
		default:
			c.metrics.CacheLookup(c.remote.Name(), kind, ResultError)
			return nil, fmt.Errorf("%s cache lookup failed: %w", c.remote.Name(), remoteErr)
		}
	}

	return nil, ErrCacheMiss
}

// Write stores payload in every configured tier concurrently and waits for all of them.
func (c *LayeredCache) Write(
	ctx context.Context,
	kind Kind,
	prompt string,
	payload *Payload,
	opts Options,
	group string,
	variant int,
) error {
	if !c.enabled(kind) || payload.IsEmpty() {
		return nil
	}

	entry, err := newCacheEntry(kind, prompt, opts, group, variant)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, tier := range c.tiers() {
		g.Go(func() error {
			if putErr := tier.Put(ctx, entry, payload); putErr != nil {
				c.metrics.CacheWrite(tier.Name(), kind, ResultError)
				return fmt.Errorf("%w: %s: %w", ErrCacheWrite, tier.Name(), putErr)
			}
			c.metrics.CacheWrite(tier.Name(), kind, ResultOK)
			return nil
		})
	}

	return g.Wait()
}

// promote copies a remote hit into the local tier in the background.
func (c *LayeredCache) promote(ctx context.Context, entry *CacheEntry, payload *Payload) {
	if c.local == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		observability.FromContext(ctx).Debug("cache closed, skipping promotion",
			observability.String("hash", entry.Hash))
		return
	}

	detached := context.WithoutCancel(ctx)
	c.promotions.Add(1)
	go func() {
		defer c.promotions.Done()

		if err := c.local.Put(detached, entry, payload); err != nil {
			c.metrics.CacheWrite(c.local.Name(), entry.Kind, ResultError)
			observability.FromContext(detached).Warn("cache promotion failed",
				observability.String("hash", entry.Hash),
				observability.Error(err))
			return
		}
		c.metrics.CacheWrite(c.local.Name(), entry.Kind, ResultOK)
	}()
}

func (c *LayeredCache) enabled(kind Kind) bool {
	if kind == KindEmbedding {
		return c.config.EmbeddingCacheEnabled
	}
	return c.config.PromptCacheEnabled
}

func (c *LayeredCache) tiers() []CacheTier {
	tiers := make([]CacheTier, 0, 2)
	if c.local != nil {
		tiers = append(tiers, c.local)
	}
	if c.remote != nil {
		tiers = append(tiers, c.remote)
	}
	return tiers
}

func newCacheEntry(kind Kind, prompt string, opts Options, group string, variant int) (*CacheEntry, error) {
	key, err := BuildKey(prompt, opts)
	if err != nil {
		return nil, err
	}

	if group == "" {
		group = DefaultGroup
	}
	if err := checkSegment("model", opts.Model); err != nil {
		return nil, err
	}
	if err := checkSegment("group", group); err != nil {
		return nil, err
	}
	if kind == KindEmbedding {
		variant = 0
	}

	return &CacheEntry{
		Kind:    kind,
		Model:   opts.Model,
		Group:   group,
		Hash:    key.Hash,
		Prompt:  NormalizePrompt(prompt),
		Options: key.Options,
		Variant: variant,
	}, nil
}

// checkSegment rejects values that cannot serve as a single directory name
// under a tier's base path.
func checkSegment(field, value string) error {
	if value == "" || value == "." || value == ".." ||
		strings.ContainsAny(value, "/\\\x00") || !filepath.IsLocal(value) {
		return fmt.Errorf("%w: invalid %s %q", ErrConfiguration, field, value)
	}
	return nil
}
