package domain_test

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/davidbz/aibridge/internal/domain"
)

// memTier is an in-memory CacheTier for testing.
type memTier struct {
	name string

	mu      sync.Mutex
	records map[string]*domain.Payload
	gets    int
	puts    int
	getErr  error
	putErr  error
	closed  bool
}

func newMemTier(name string) *memTier {
	return &memTier{name: name, records: make(map[string]*domain.Payload)}
}

func memKey(entry *domain.CacheEntry) string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", entry.Kind, entry.Model, entry.Hash, entry.Variant, entry.Prompt)
}

func (m *memTier) Name() string { return m.name }

func (m *memTier) Setup(context.Context) error { return nil }

func (m *memTier) Get(_ context.Context, entry *domain.CacheEntry) (*domain.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gets++
	if m.getErr != nil {
		return nil, m.getErr
	}
	payload, ok := m.records[memKey(entry)]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return payload, nil
}

func (m *memTier) Put(_ context.Context, entry *domain.CacheEntry, payload *domain.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	m.records[memKey(entry)] = payload
	return nil
}

func (m *memTier) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memTier) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *memTier) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// fakeProvider echoes its input and records every call.
type fakeProvider struct {
	mu        sync.Mutex
	calls     int
	failWith  error
	models    map[string]struct{}
	lastOpts  domain.Options
	embedding []float64
}

func newFakeProvider(models ...string) *fakeProvider {
	supported := make(map[string]struct{}, len(models))
	for _, model := range models {
		supported[model] = struct{}{}
	}
	return &fakeProvider{models: supported, embedding: []float64{0.1, 0.2, 0.3}}
}

func (f *fakeProvider) record(opts domain.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastOpts = opts
	return f.failWith
}

func (f *fakeProvider) Complete(
	_ context.Context,
	prompt string,
	opts domain.Options,
	listener domain.TokenListener,
) (string, error) {
	if err := f.record(opts); err != nil {
		return "", err
	}
	out := "echo: " + prompt
	if listener != nil {
		if err := listener(out); err != nil {
			return "", err
		}
	}
	return out, nil
}

func (f *fakeProvider) Chat(
	_ context.Context,
	messages []domain.Message,
	opts domain.Options,
	listener domain.TokenListener,
) (string, error) {
	if err := f.record(opts); err != nil {
		return "", err
	}
	parts := make([]string, len(messages))
	for i, msg := range messages {
		parts[i] = msg.Content
	}
	out := "echo: " + strings.Join(parts, " ")
	if listener != nil {
		if err := listener(out); err != nil {
			return "", err
		}
	}
	return out, nil
}

func (f *fakeProvider) Embed(_ context.Context, _ string, opts domain.Options) ([]float64, error) {
	if err := f.record(opts); err != nil {
		return nil, err
	}
	return f.embedding, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) IsModelSupported(_ context.Context, model string) bool {
	_, ok := f.models[model]
	return ok
}

func (f *fakeProvider) SupportedModels(context.Context) []string {
	models := make([]string, 0, len(f.models))
	for model := range f.models {
		models = append(models, model)
	}
	return models
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// singleRegistry routes every supported model to one provider.
type singleRegistry struct {
	provider domain.Provider
}

func (r *singleRegistry) Register(context.Context, domain.Provider) error { return nil }

func (r *singleRegistry) Get(_ context.Context, name string) (domain.Provider, error) {
	if name != r.provider.Name() {
		return nil, fmt.Errorf("provider %s not found", name)
	}
	return r.provider, nil
}

func (r *singleRegistry) GetByModel(ctx context.Context, model string) (domain.Provider, error) {
	if !r.provider.IsModelSupported(ctx, model) {
		return nil, fmt.Errorf("no provider found for model: %s", model)
	}
	return r.provider, nil
}

func (r *singleRegistry) List(context.Context) ([]string, error) {
	return []string{r.provider.Name()}, nil
}

// wordCounter counts whitespace-separated words.
type wordCounter struct{}

func (wordCounter) Count(_ string, text string) int {
	return len(strings.Fields(text))
}
