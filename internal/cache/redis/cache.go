package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/aibridge/internal/domain"
	"github.com/davidbz/aibridge/internal/observability"
)

const (
	tierName      = "redis"
	defaultPrefix = "aibridge"
)

// document is the JSON value stored in a record's hash field.
type document struct {
	Prompt     string              `json:"prompt"`
	Opt        domain.CleanOptions `json:"opt"`
	TempKey    int                 `json:"tempKey,omitempty"`
	Completion string              `json:"completion,omitempty"`
	Embedding  []float64           `json:"embedding,omitempty"`
	CacheGroup string              `json:"cacheGrp,omitempty"`
}

// Cache is a shared remote tier on redis hashes. Each (collection, hash, bucket)
// is one redis hash whose fields are keyed by the remaining record identity.
type Cache struct {
	url    string
	prefix string
	client *redis.Client
}

// NewCache creates a redis tier. The connection is opened by Setup.
func NewCache(url, prefix string) *Cache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Cache{url: url, prefix: prefix}
}

// Name implements domain.CacheTier.
func (c *Cache) Name() string {
	return tierName
}

// Setup connects once and pings the server.
func (c *Cache) Setup(ctx context.Context) error {
	if c.client != nil {
		return nil
	}

	opts, err := redis.ParseURL(c.url)
	if err != nil {
		return fmt.Errorf("%w: invalid redis url: %w", domain.ErrConfiguration, err)
	}

	client := redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("%w: failed to ping: %w", domain.ErrCacheUnavailable, err)
	}

	observability.FromContext(ctx).Info("connected to remote cache",
		observability.String("driver", tierName),
		observability.String("prefix", c.prefix))

	c.client = client
	return nil
}

// Close closes the client.
func (c *Cache) Close(_ context.Context) error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// Get looks up the record field and verifies the stored prompt.
func (c *Cache) Get(ctx context.Context, entry *domain.CacheEntry) (*domain.Payload, error) {
	if c.client == nil {
		return nil, fmt.Errorf("%w: not connected", domain.ErrCacheUnavailable)
	}

	field, err := Field(entry)
	if err != nil {
		return nil, err
	}

	raw, err := c.client.HGet(ctx, c.Key(entry), field).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCacheUnavailable, err)
	}

	var doc document
	if err = json.Unmarshal([]byte(raw), &doc); err != nil {
		observability.FromContext(ctx).Warn("discarding unreadable remote record",
			observability.String("key", c.Key(entry)),
			observability.Error(err))
		return nil, domain.ErrCacheMiss
	}
	if doc.Prompt != domain.NormalizePrompt(entry.Prompt) {
		return nil, domain.ErrCacheMiss
	}

	payload := &domain.Payload{Completion: doc.Completion}
	if entry.Kind == domain.KindEmbedding {
		payload = &domain.Payload{Embedding: doc.Embedding}
	}
	if payload.IsEmpty() {
		return nil, domain.ErrCacheMiss
	}
	return payload, nil
}

// Put overwrites the record field and indexes the key under its cache group.
// HSET is idempotent for equal payloads.
func (c *Cache) Put(ctx context.Context, entry *domain.CacheEntry, payload *domain.Payload) error {
	if c.client == nil {
		return fmt.Errorf("%w: not connected", domain.ErrCacheUnavailable)
	}

	field, err := Field(entry)
	if err != nil {
		return err
	}

	doc := document{
		Prompt:     entry.Prompt,
		Opt:        entry.Options,
		CacheGroup: entry.Group,
	}
	if entry.Kind == domain.KindEmbedding {
		doc.Embedding = payload.Embedding
	} else {
		doc.Completion = payload.Completion
		doc.TempKey = entry.Variant
	}

	data, err := domain.CanonicalJSON(doc)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	key := c.Key(entry)
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, field, string(data))
	pipe.SAdd(ctx, c.GroupKey(entry.Group), key)

	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCacheUnavailable, err)
	}
	return nil
}

// Key returns "{prefix}:{kind}_{model}:{hash}:{bucket}".
func (c *Cache) Key(entry *domain.CacheEntry) string {
	variant := entry.Variant
	if entry.Kind == domain.KindEmbedding {
		variant = 0
	}
	return strings.Join([]string{
		c.prefix,
		string(entry.Kind) + "_" + entry.Model,
		entry.Hash,
		strconv.Itoa(variant),
	}, ":")
}

// GroupKey returns the set of record keys written under a cache group.
func (c *Cache) GroupKey(group string) string {
	return c.prefix + ":group:" + group
}

// Field digests the prompt, plus the options for non-embedding records.
func Field(entry *domain.CacheEntry) (string, error) {
	identity := entry.Prompt
	if entry.Kind != domain.KindEmbedding {
		canonical, err := entry.Options.Canonical()
		if err != nil {
			return "", fmt.Errorf("failed to serialize options: %w", err)
		}
		identity += "-" + canonical
	}

	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:]), nil
}
