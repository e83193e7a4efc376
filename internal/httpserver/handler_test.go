package httpserver_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidbz/aibridge/internal/cache/jsonl"
	"github.com/davidbz/aibridge/internal/config"
	"github.com/davidbz/aibridge/internal/domain"
	"github.com/davidbz/aibridge/internal/httpserver"
	"github.com/davidbz/aibridge/internal/httpserver/middleware"
	"github.com/davidbz/aibridge/internal/observability"
	"github.com/davidbz/aibridge/internal/provider/echo"
	"github.com/davidbz/aibridge/internal/provider/registry"
	"github.com/davidbz/aibridge/internal/tokens"
)

type observation struct {
	method string
	path   string
	status int
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []observation
}

func (o *recordingObserver) ObserveHTTP(method, path string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, observation{method: method, path: path, status: status})
}

func (o *recordingObserver) snapshot() []observation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observation(nil), o.calls...)
}

func newTestServer(t *testing.T) (http.Handler, *recordingObserver) {
	t.Helper()
	observability.SetLogger(zap.NewNop())

	ctx := context.Background()
	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(ctx, echo.NewProvider()))

	local := jsonl.NewCache(&jsonl.Config{
		Enabled:        true,
		Path:           t.TempDir(),
		LockTimeout:    time.Second,
		LockRetryDelay: 5 * time.Millisecond,
	})
	cache := domain.NewLayeredCache(domain.LayeredCacheConfig{
		PromptCacheEnabled:       true,
		EmbeddingCacheEnabled:    true,
		TemperatureKeyMultiplier: 3,
	}, local, nil, nil)
	require.NoError(t, cache.Setup(ctx))
	t.Cleanup(func() { _ = cache.Close(context.Background()) })

	bridge := domain.NewBridgeService(reg, cache, nil, tokens.NewEstimator(), nil, domain.BridgeDefaults{
		CompletionModel:       "echo4",
		ChatModel:             "echo4",
		EmbeddingModel:        "echo-embedding",
		CompletionTotalTokens: 4080,
	})

	observer := &recordingObserver{}
	server := httpserver.NewServer(
		&config.ServerConfig{Port: 0},
		httpserver.NewHandler(bridge, reg),
		http.NotFoundHandler(),
		middleware.BuildMiddlewareChain(nil, observer),
	)
	return server.Handler(), observer
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func readEvents(t *testing.T, body string) []string {
	t.Helper()

	var events []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			events = append(events, data)
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestHandleCompletion(t *testing.T) {
	t.Run("should report a miss then a hit for the same prompt", func(t *testing.T) {
		h, _ := newTestServer(t)
		body := `{"prompt":"  Say hi  "}`

		first := post(t, h, "/v1/completions", body)
		require.Equal(t, http.StatusOK, first.Code)
		require.Equal(t, "MISS", first.Header().Get(httpserver.CacheHeader))
		require.NotEmpty(t, first.Header().Get(middleware.RequestIDHeader))

		var result domain.CompletionResult
		require.NoError(t, json.NewDecoder(first.Body).Decode(&result))
		require.Equal(t, "Say hi", result.Completion)
		require.Equal(t, "echo4", result.Model)
		require.False(t, result.Cached)

		second := post(t, h, "/v1/completions", body)
		require.Equal(t, http.StatusOK, second.Code)
		require.Equal(t, "HIT", second.Header().Get(httpserver.CacheHeader))
	})

	t.Run("should reject malformed json", func(t *testing.T) {
		h, _ := newTestServer(t)

		w := post(t, h, "/v1/completions", `{"prompt":`)

		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should map unknown models to bad request", func(t *testing.T) {
		h, _ := newTestServer(t)

		w := post(t, h, "/v1/completions", `{"prompt":"x","options":{"model":"nope"}}`)

		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should reject a group that leaves the cache directory", func(t *testing.T) {
		h, _ := newTestServer(t)

		w := post(t, h, "/v1/completions", `{"prompt":"x","group":"../../../escaped"}`)

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "invalid group")
	})

	t.Run("should map an oversized prompt to bad request", func(t *testing.T) {
		h, _ := newTestServer(t)

		w := post(t, h, "/v1/completions", `{"prompt":"`+strings.Repeat("word ", 40)+`","options":{"total_tokens":60}}`)

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "token budget")
	})

	t.Run("should stream tokens as server sent events", func(t *testing.T) {
		h, _ := newTestServer(t)

		w := post(t, h, "/v1/completions", `{"prompt":"one two three","options":{"stream":true}}`)

		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

		events := readEvents(t, w.Body.String())
		require.Equal(t, []string{
			`{"token":"one "}`,
			`{"token":"two "}`,
			`{"token":"three"}`,
		}, events[:3])
		require.Equal(t, "[DONE]", events[len(events)-1])

		var final struct {
			Done   bool                    `json:"done"`
			Result domain.CompletionResult `json:"result"`
		}
		require.NoError(t, json.Unmarshal([]byte(events[3]), &final))
		require.True(t, final.Done)
		require.Equal(t, "one two three", final.Result.Completion)
	})

	t.Run("should replay a cached completion as a single token", func(t *testing.T) {
		h, _ := newTestServer(t)
		body := `{"prompt":"one two","options":{"stream":true}}`
		post(t, h, "/v1/completions", body)

		w := post(t, h, "/v1/completions", body)

		events := readEvents(t, w.Body.String())
		require.Len(t, events, 3)
		require.Equal(t, `{"token":"one two"}`, events[0])
		require.Contains(t, events[1], `"cached":true`)
	})
}

func TestHandleChat(t *testing.T) {
	t.Run("should echo the conversation", func(t *testing.T) {
		h, _ := newTestServer(t)

		w := post(t, h, "/v1/chat/completions",
			`{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hello"}]}`)

		require.Equal(t, http.StatusOK, w.Code)
		var result domain.CompletionResult
		require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
		require.Equal(t, "[system]: be brief\n[user]: hello", result.Completion)
	})

	t.Run("should reject an empty conversation", func(t *testing.T) {
		h, _ := newTestServer(t)

		w := post(t, h, "/v1/chat/completions", `{"messages":[]}`)

		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleEmbedding(t *testing.T) {
	t.Run("should return a cached vector on the second call", func(t *testing.T) {
		h, _ := newTestServer(t)

		first := post(t, h, "/v1/embeddings", `{"input":"hello"}`)
		require.Equal(t, http.StatusOK, first.Code)
		require.Equal(t, "MISS", first.Header().Get(httpserver.CacheHeader))

		var result domain.EmbeddingResult
		require.NoError(t, json.NewDecoder(first.Body).Decode(&result))
		require.Len(t, result.Embedding, 8)

		second := post(t, h, "/v1/embeddings", `{"input":"hello"}`)
		require.Equal(t, "HIT", second.Header().Get(httpserver.CacheHeader))

		var cached domain.EmbeddingResult
		require.NoError(t, json.NewDecoder(second.Body).Decode(&cached))
		require.Equal(t, result.Embedding, cached.Embedding)
	})
}

func TestRoutes(t *testing.T) {
	t.Run("should report health", func(t *testing.T) {
		h, _ := newTestServer(t)
		w := httptest.NewRecorder()

		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusOK, w.Code)
		require.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
	})

	t.Run("should list routable models", func(t *testing.T) {
		h, _ := newTestServer(t)
		w := httptest.NewRecorder()

		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

		require.Equal(t, http.StatusOK, w.Code)
		require.JSONEq(t, `{"models":["echo-embedding","echo4"]}`, w.Body.String())
	})

	t.Run("should reject the wrong method", func(t *testing.T) {
		h, _ := newTestServer(t)
		w := httptest.NewRecorder()

		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/completions", nil))

		require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("should observe requests by route pattern", func(t *testing.T) {
		h, observer := newTestServer(t)

		post(t, h, "/v1/completions", `{"prompt":"hi"}`)
		post(t, h, "/v1/completions", `{"prompt":`)
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

		require.Equal(t, []observation{
			{method: http.MethodPost, path: "POST /v1/completions", status: http.StatusOK},
			{method: http.MethodPost, path: "POST /v1/completions", status: http.StatusBadRequest},
			{method: http.MethodGet, path: "unmatched", status: http.StatusNotFound},
		}, observer.snapshot())
	})
}
