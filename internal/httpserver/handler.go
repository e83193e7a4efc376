package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/davidbz/aibridge/internal/domain"
	"github.com/davidbz/aibridge/internal/observability"
)

// CacheHeader reports whether a non-streamed answer came from the cache.
const CacheHeader = "X-Bridge-Cache"

// ModelLister lists the models the bridge can route.
type ModelLister interface {
	Models(ctx context.Context) []string
}

// Handler handles HTTP requests.
type Handler struct {
	bridge *domain.BridgeService
	models ModelLister
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(bridge *domain.BridgeService, models ModelLister) *Handler {
	return &Handler{
		bridge: bridge,
		models: models,
	}
}

// streamEvent is one SSE data frame sent to streaming clients.
type streamEvent struct {
	Token  string                   `json:"token,omitempty"`
	Done   bool                     `json:"done,omitempty"`
	Result *domain.CompletionResult `json:"result,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

// HandleCompletion processes legacy prompt completion requests.
func (h *Handler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	var req domain.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	h.serveCompletion(w, r, req.Options.Stream,
		func(ctx context.Context, listener domain.TokenListener) (*domain.CompletionResult, error) {
			return h.bridge.Complete(ctx, &req, listener)
		})
}

// HandleChat processes chat completion requests.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	h.serveCompletion(w, r, req.Options.Stream,
		func(ctx context.Context, listener domain.TokenListener) (*domain.CompletionResult, error) {
			return h.bridge.Chat(ctx, &req, listener)
		})
}

// HandleEmbedding processes embedding requests.
func (h *Handler) HandleEmbedding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	logger := observability.FromContext(ctx)

	result, err := h.bridge.Embed(ctx, &req)
	if err != nil {
		logger.Error("embedding failed", observability.Error(err))
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	setCacheHeader(w, result.Cached)
	writeJSON(ctx, w, result)
}

// HandleModels lists routable models.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	models := []string{}
	if h.models != nil {
		models = append(models, h.models.Models(r.Context())...)
	}
	writeJSON(r.Context(), w, map[string][]string{"models": models})
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, map[string]string{
		"status": "healthy",
	})
}

func (h *Handler) serveCompletion(
	w http.ResponseWriter,
	r *http.Request,
	stream bool,
	run func(ctx context.Context, listener domain.TokenListener) (*domain.CompletionResult, error),
) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)
	logger.Info("completion request received", observability.Bool("stream", stream))

	if stream {
		h.handleStream(ctx, w, run)
		return
	}

	result, err := run(ctx, nil)
	if err != nil {
		logger.Error("completion failed", observability.Error(err))
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	logger.Info("completion succeeded",
		observability.Int("prompt_tokens", result.Usage.PromptTokens),
		observability.Int("completion_tokens", result.Usage.CompletionTokens),
		observability.Bool("cached", result.Cached),
	)

	setCacheHeader(w, result.Cached)
	writeJSON(ctx, w, result)
}

func (h *Handler) handleStream(
	ctx context.Context,
	w http.ResponseWriter,
	run func(ctx context.Context, listener domain.TokenListener) (*domain.CompletionResult, error),
) {
	logger := observability.FromContext(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("streaming not supported")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set headers for SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(event streamEvent) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err = fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	result, err := run(ctx, func(token string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return send(streamEvent{Token: token})
	})
	if err != nil {
		logger.Error("stream failed", observability.Error(err))
		_ = send(streamEvent{Error: err.Error()})
		return
	}

	if sendErr := send(streamEvent{Done: true, Result: result}); sendErr != nil {
		logger.Warn("failed to send final stream event", observability.Error(sendErr))
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
	logger.Info("stream completed", observability.Bool("cached", result.Cached))
}

func setCacheHeader(w http.ResponseWriter, cached bool) {
	if cached {
		w.Header().Set(CacheHeader, "HIT")
		return
	}
	w.Header().Set(CacheHeader, "MISS")
}

func writeJSON(ctx context.Context, w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Status already written; log only.
		observability.FromContext(ctx).Error("failed to encode response", observability.Error(err))
	}
}

// statusFor maps bridge errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrConfiguration), errors.Is(err, domain.ErrPromptTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrProvider), errors.Is(err, domain.ErrStreamProtocol):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
