package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/davidbz/aibridge/internal/domain"
	"github.com/davidbz/aibridge/internal/observability"
)

const tierName = "mongo"

// document is the stored shape of one record.
type document struct {
	Hash       string    `bson:"hash"`
	TempKey    int       `bson:"tempKey"`
	Prompt     string    `bson:"prompt"`
	Opt        bson.D    `bson:"opt,omitempty"`
	Completion string    `bson:"completion,omitempty"`
	Embedding  []float64 `bson:"embedding,omitempty"`
	CacheGroup string    `bson:"cacheGrp,omitempty"`
}

// Cache is the shared document-store tier. Each kind/model pair is one collection.
type Cache struct {
	url      string
	database string

	client *mongo.Client
	db     *mongo.Database
}

// NewCache creates a mongo tier. The connection is opened by Setup.
func NewCache(url, database string) *Cache {
	return &Cache{url: url, database: database}
}

// Name implements domain.CacheTier.
func (c *Cache) Name() string {
	return tierName
}

// Setup connects once and verifies the primary is reachable.
func (c *Cache) Setup(ctx context.Context) error {
	if c.client != nil {
		return nil
	}

	client, err := mongo.Connect(options.Client().ApplyURI(c.url))
	if err != nil {
		return fmt.Errorf("%w: failed to connect: %w", domain.ErrCacheUnavailable, err)
	}

	if err = client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return fmt.Errorf("%w: failed to ping: %w", domain.ErrCacheUnavailable, err)
	}

	observability.FromContext(ctx).Info("connected to remote cache",
		observability.String("driver", tierName),
		observability.String("database", c.database))

	c.client = client
	c.db = client.Database(c.database)
	return nil
}

// Close disconnects the client.
func (c *Cache) Close(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	err := c.client.Disconnect(ctx)
	c.client, c.db = nil, nil
	return err
}

// Get runs an exact-match lookup on the record identity.
func (c *Cache) Get(ctx context.Context, entry *domain.CacheEntry) (*domain.Payload, error) {
	if c.db == nil {
		return nil, fmt.Errorf("%w: not connected", domain.ErrCacheUnavailable)
	}

	filter, err := LookupFilter(entry)
	if err != nil {
		return nil, err
	}

	raw, err := c.db.Collection(CollectionName(entry)).FindOne(ctx, filter).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCacheUnavailable, err)
	}

	return DecodePayload(entry, raw)
}

// DecodePayload extracts the payload for entry's kind from a stored document.
// A document without a completion or embedding reads as a miss.
func DecodePayload(entry *domain.CacheEntry, raw bson.Raw) (*domain.Payload, error) {
	var doc document
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed document: %w", domain.ErrCacheUnavailable, err)
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

// Put upserts the record on its identity. Concurrent puts converge on one document.
func (c *Cache) Put(ctx context.Context, entry *domain.CacheEntry, payload *domain.Payload) error {
	if c.db == nil {
		return fmt.Errorf("%w: not connected", domain.ErrCacheUnavailable)
	}

	filter, err := LookupFilter(entry)
	if err != nil {
		return err
	}
	update, err := UpsertUpdate(entry, payload)
	if err != nil {
		return err
	}

	_, err = c.db.Collection(CollectionName(entry)).
		UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCacheUnavailable, err)
	}
	return nil
}

// CollectionName returns "{kind}_{model}".
func CollectionName(entry *domain.CacheEntry) string {
	return string(entry.Kind) + "_" + entry.Model
}

// LookupFilter matches (hash, tempKey, prompt, opt); embeddings match (hash, prompt) only.
func LookupFilter(entry *domain.CacheEntry) (bson.D, error) {
	if entry.Kind == domain.KindEmbedding {
		return bson.D{
			{Key: "hash", Value: entry.Hash},
			{Key: "prompt", Value: entry.Prompt},
		}, nil
	}

	opt, err := optionsDocument(entry.Options)
	if err != nil {
		return nil, err
	}
	return bson.D{
		{Key: "hash", Value: entry.Hash},
		{Key: "tempKey", Value: entry.Variant},
		{Key: "prompt", Value: entry.Prompt},
		{Key: "opt", Value: opt},
	}, nil
}

// UpsertUpdate sets the payload and cache group. Embeddings also record their options.
func UpsertUpdate(entry *domain.CacheEntry, payload *domain.Payload) (bson.D, error) {
	set := bson.D{{Key: "cacheGrp", Value: entry.Group}}

	if entry.Kind == domain.KindEmbedding {
		opt, err := optionsDocument(entry.Options)
		if err != nil {
			return nil, err
		}
		set = append(set,
			bson.E{Key: "embedding", Value: payload.Embedding},
			bson.E{Key: "opt", Value: opt})
	} else {
		set = append(set, bson.E{Key: "completion", Value: payload.Completion})
	}

	return bson.D{{Key: "$set", Value: set}}, nil
}

// optionsDocument converts clean options to an ordered document so that
// equality matches compare fields in canonical order.
func optionsDocument(opts domain.CleanOptions) (bson.D, error) {
	canonical, err := opts.Canonical()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize options: %w", err)
	}

	var doc bson.D
	if err = bson.UnmarshalExtJSON([]byte(canonical), false, &doc); err != nil {
		return nil, fmt.Errorf("failed to convert options: %w", err)
	}
	if doc == nil {
		doc = bson.D{}
	}
	return doc, nil
}
