package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/davidbz/aibridge/internal/domain"
	"github.com/davidbz/aibridge/internal/observability"
)

const (
	shardExt   = ".log"
	shardDepth = 6
	lockExt    = ".lock"
	dirPerm    = 0o755
	filePerm   = 0o644
	tierName   = "jsonl"
	lineDelim  = '\n'
)

// record is one line of a shard file. Fields are declared in key order.
type record struct {
	Completion string              `json:"completion,omitempty"`
	Embedding  []float64           `json:"embedding,omitempty"`
	Opt        domain.CleanOptions `json:"opt"`
	Prompt     string              `json:"prompt"`
	TempKey    int                 `json:"tempKey,omitempty"`
}

// Cache is the local append-only tier. Each content hash maps to one shard
// file of newline-delimited JSON records.
type Cache struct {
	config *Config

	mu     sync.Mutex
	closed bool
	// background tracks best-effort directory creation started by Get.
	background sync.WaitGroup
}

// NewCache creates a local log cache rooted at config.Path.
func NewCache(config *Config) *Cache {
	return &Cache{config: config}
}

// Name implements domain.CacheTier.
func (c *Cache) Name() string {
	return tierName
}

// Setup creates the base directory.
func (c *Cache) Setup(_ context.Context) error {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()

	if err := os.MkdirAll(c.config.Path, dirPerm); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	return nil
}

// Close waits for background directory creation to finish.
func (c *Cache) Close(_ context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.background.Wait()
	return nil
}

// ShardPath returns model/kind/group/h[0:2]/h[2:4]/h.log under the base path.
func (c *Cache) ShardPath(entry *domain.CacheEntry) string {
	return filepath.Join(
		c.config.Path,
		entry.Model,
		string(entry.Kind),
		entry.Group,
		entry.Hash[0:2],
		entry.Hash[2:4],
		entry.Hash+shardExt,
	)
}

// resolve returns the shard path of entry, refusing paths that leave the base directory.
func (c *Cache) resolve(entry *domain.CacheEntry) (string, error) {
	if len(entry.Hash) < 4 {
		return "", fmt.Errorf("%w: malformed hash %q", domain.ErrConfiguration, entry.Hash)
	}

	path := c.ShardPath(entry)
	rel, err := filepath.Rel(c.config.Path, path)
	if err != nil || !filepath.IsLocal(rel) ||
		strings.Count(rel, string(filepath.Separator)) != shardDepth-1 {
		return "", fmt.Errorf("%w: shard path for model %q group %q is outside the cache directory",
			domain.ErrConfiguration, entry.Model, entry.Group)
	}
	return path, nil
}

// Get scans the shard without locking and returns the first matching record.
// A missing shard starts creating its directory in the background and reports a miss.
func (c *Cache) Get(ctx context.Context, entry *domain.CacheEntry) (*domain.Payload, error) {
	path, err := c.resolve(entry)
	if err != nil {
		return nil, err
	}

	payload, err := c.lookup(ctx, path, entry)
	if errors.Is(err, fs.ErrNotExist) {
		c.prepareDir(ctx, filepath.Dir(path))
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCacheRead, err)
	}
	if payload == nil {
		return nil, domain.ErrCacheMiss
	}
	return payload, nil
}

// Put appends a record under the shard lock unless an equal record already exists.
func (c *Cache) Put(ctx context.Context, entry *domain.CacheEntry, payload *domain.Payload) error {
	path, err := c.resolve(entry)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCacheWrite, err)
	}

	lock := flock.New(path + lockExt)
	lockCtx, cancel := context.WithTimeout(ctx, c.config.LockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(lockCtx, c.config.LockRetryDelay)
	if err != nil {
		return fmt.Errorf("%w: failed to lock %s: %w", domain.ErrCacheWrite, path, err)
	}
	if !locked {
		return fmt.Errorf("%w: failed to lock %s", domain.ErrCacheWrite, path)
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			observability.FromContext(ctx).Warn("failed to release shard lock",
				observability.String("path", path),
				observability.Error(unlockErr))
		}
	}()

	// Another writer may have appended the same record since our caller's miss.
	existing, err := c.lookup(ctx, path, entry)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", domain.ErrCacheWrite, err)
	}
	if existing != nil {
		return nil
	}

	line, err := encodeRecord(entry, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCacheWrite, err)
	}

	return appendLine(path, line)
}

func (c *Cache) lookup(ctx context.Context, path string, entry *domain.CacheEntry) (*domain.Payload, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		line, readErr := reader.ReadBytes(lineDelim)
		if len(line) > 0 {
			if payload := match(ctx, line, entry); payload != nil {
				return payload, nil
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil, nil
		}
		if readErr != nil {
			return nil, readErr
		}
	}
}

// match decodes one line and returns its payload if it belongs to entry.
// Lines that fail to decode (e.g. a concurrent partial append) are skipped.
func match(ctx context.Context, line []byte, entry *domain.CacheEntry) *domain.Payload {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		observability.FromContext(ctx).Debug("skipping unreadable cache line", observability.Error(err))
		return nil
	}

	if rec.Prompt != domain.NormalizePrompt(entry.Prompt) {
		return nil
	}

	if entry.Kind == domain.KindEmbedding {
		if len(rec.Embedding) == 0 {
			return nil
		}
		return &domain.Payload{Embedding: rec.Embedding}
	}

	if rec.TempKey != entry.Variant || rec.Completion == "" {
		return nil
	}
	return &domain.Payload{Completion: rec.Completion}
}

func (c *Cache) prepareDir(ctx context.Context, dir string) {
	logger := observability.FromContext(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			logger.Debug("failed to pre-create shard directory",
				observability.String("dir", dir),
				observability.Error(err))
		}
	}()
}

func encodeRecord(entry *domain.CacheEntry, payload *domain.Payload) ([]byte, error) {
	rec := record{
		Opt:    entry.Options,
		Prompt: entry.Prompt,
	}
	if entry.Kind == domain.KindEmbedding {
		rec.Embedding = payload.Embedding
	} else {
		rec.Completion = payload.Completion
		rec.TempKey = entry.Variant
	}

	line, err := domain.CanonicalJSON(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache record: %w", err)
	}
	return append(line, lineDelim), nil
}

func appendLine(path string, line []byte) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCacheWrite, err)
	}

	if _, err = file.Write(line); err != nil {
		_ = file.Close()
		return fmt.Errorf("%w: %w", domain.ErrCacheWrite, err)
	}
	if err = file.Close(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrCacheWrite, err)
	}
	return nil
}
