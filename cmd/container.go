package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/davidbz/aibridge/internal/cache/jsonl"
	"github.com/davidbz/aibridge/internal/cache/mongo"
	"github.com/davidbz/aibridge/internal/cache/redis"
	"github.com/davidbz/aibridge/internal/config"
	"github.com/davidbz/aibridge/internal/dispatch"
	"github.com/davidbz/aibridge/internal/domain"
	"github.com/davidbz/aibridge/internal/httpserver"
	"github.com/davidbz/aibridge/internal/httpserver/middleware"
	"github.com/davidbz/aibridge/internal/metrics"
	"github.com/davidbz/aibridge/internal/observability"
	"github.com/davidbz/aibridge/internal/provider/echo"
	"github.com/davidbz/aibridge/internal/provider/openai"
	"github.com/davidbz/aibridge/internal/provider/registry"
	"github.com/davidbz/aibridge/internal/tokens"
)

// closeTimeout bounds how long shutdown waits for pending cache promotions.
const closeTimeout = 10 * time.Second

// ErrNoProviders indicates that neither a hosted nor the echo provider is configured.
var ErrNoProviders = errors.New("no providers configured")

func buildContainer(configPath string) (*dig.Container, error) {
	container := dig.New()

	providers := []struct {
		name        string
		constructor any
	}{
		// Configuration
		{"config", func() (*config.Config, error) { return config.LoadFile(configPath) }},
		{"config dependencies", config.ParseDependenciesConfig},

		// Observability
		{"logger", observability.InitLogger},
		{"metrics", metrics.NewCollector},
		{"metrics recorder", func(c *metrics.Collector) domain.MetricsRecorder { return c }},

		// Providers
		{"registry", registry.NewRegistry},
		{"provider registry", func(r *registry.Registry) domain.ProviderRegistry { return r }},

		// Cache, throttling and token counting
		{"layered cache", newLayeredCache},
		{"dispatcher", func(cfg *dispatch.Config, c *metrics.Collector) domain.Dispatcher {
			return dispatch.NewDispatcher(cfg, c.DispatchInFlight)
		}},
		{"token counter", func(cfg *tokens.Config) domain.TokenCounter { return tokens.New(cfg) }},

		// Domain Services
		{"bridge service", func(
			reg domain.ProviderRegistry,
			cache *domain.LayeredCache,
			dispatcher domain.Dispatcher,
			counter domain.TokenCounter,
			recorder domain.MetricsRecorder,
			defaults *domain.BridgeDefaults,
		) *domain.BridgeService {
			return domain.NewBridgeService(reg, cache, dispatcher, counter, recorder, *defaults)
		}},

		// HTTP Layer
		{"HTTP handler", func(bridge *domain.BridgeService, reg *registry.Registry) *httpserver.Handler {
			return httpserver.NewHandler(bridge, reg)
		}},
		{"middleware", func(cors *config.CORSConfig, c *metrics.Collector) middleware.Middleware {
			return middleware.BuildMiddlewareChain(cors, c)
		}},
		{"HTTP server", func(
			cfg *config.ServerConfig,
			handler *httpserver.Handler,
			c *metrics.Collector,
			mw middleware.Middleware,
		) *httpserver.Server {
			return httpserver.NewServer(cfg, handler, c.Handler(), mw)
		}},
	}

	for _, p := range providers {
		if err := container.Provide(p.constructor); err != nil {
			return nil, fmt.Errorf("failed to provide %s: %w", p.name, err)
		}
	}

	// The logger has no consumers; invoke it so the base logger is installed.
	if err := container.Invoke(func(*zap.Logger) {}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Register providers with registry (invoked for side effects)
	if err := container.Invoke(registerProviders); err != nil {
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	return container, nil
}

func registerProviders(
	reg *registry.Registry,
	openaiCfg *openai.Config,
	providersCfg *config.ProvidersConfig,
) error {
	ctx := context.Background()
	registered := 0

	if openaiCfg.APIKey != "" {
		openaiProvider, err := openai.NewProvider(*openaiCfg)
		if err != nil {
			return fmt.Errorf("failed to create OpenAI provider: %w", err)
		}
		if err = reg.Register(ctx, openaiProvider); err != nil {
			return fmt.Errorf("failed to register OpenAI provider: %w", err)
		}
		registered++
	} else {
		observability.FromContext(ctx).Info("OPENAI_API_KEY not set, skipping OpenAI provider")
	}

	if providersCfg.EchoEnabled {
		if err := reg.Register(ctx, echo.NewProvider()); err != nil {
			return fmt.Errorf("failed to register echo provider: %w", err)
		}
		registered++
	}

	if registered == 0 {
		return ErrNoProviders
	}
	return nil
}

// newLayeredCache assembles the configured tiers. Disabled tiers stay nil interfaces.
func newLayeredCache(
	cacheCfg *domain.LayeredCacheConfig,
	localCfg *jsonl.Config,
	remoteCfg *config.RemoteCacheConfig,
	recorder domain.MetricsRecorder,
) *domain.LayeredCache {
	var local, remote domain.CacheTier

	if localCfg.Enabled {
		local = jsonl.NewCache(localCfg)
	}

	if remoteCfg.Enabled {
		switch remoteCfg.Driver {
		case config.DriverRedis:
			remote = redis.NewCache(remoteCfg.URL, remoteCfg.Database)
		default:
			remote = mongo.NewCache(remoteCfg.URL, remoteCfg.Database)
		}
	}

	return domain.NewLayeredCache(*cacheCfg, local, remote, recorder)
}

// withCache sets the cache tiers up, runs fn, then closes them again.
func withCache(ctx context.Context, cache *domain.LayeredCache, fn func() error) error {
	if err := cache.Setup(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := cache.Close(closeCtx); err != nil {
			observability.FromContext(ctx).Warn("failed to close cache", observability.Error(err))
		}
	}()

	return fn()
}
