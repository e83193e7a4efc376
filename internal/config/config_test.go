package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/aibridge/internal/config"
	"github.com/davidbz/aibridge/internal/domain"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "aibridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("should load config with defaults", func(t *testing.T) {
		// Clear environment
		os.Clearenv()

		cfg := config.Load()

		require.NotNil(t, cfg)

		// Verify defaults
		require.Equal(t, 8080, cfg.Server.Port)
		require.Equal(t, 30, cfg.Server.ReadTimeout)
		require.Equal(t, "https://api.openai.com/v1", cfg.OpenAI.BaseURL)
		require.Equal(t, 60, cfg.OpenAI.Timeout)
		require.Empty(t, cfg.OpenAI.APIKey)

		require.True(t, cfg.Cache.PromptCacheEnabled)
		require.True(t, cfg.Cache.EmbeddingCacheEnabled)
		require.InDelta(t, 3.0, cfg.Cache.TemperatureKeyMultiplier, 0)

		require.True(t, cfg.Local.Enabled)
		require.Equal(t, "./.ai-bridge-cache", cfg.Local.Path)
		require.Equal(t, 10*time.Second, cfg.Local.LockTimeout)

		require.False(t, cfg.Remote.Enabled)
		require.Equal(t, config.DriverMongo, cfg.Remote.Driver)

		require.Equal(t, 1, cfg.Dispatch.MaxConcurrent)
		require.Equal(t, 100*time.Millisecond, cfg.Dispatch.PostCallDelay)

		require.Equal(t, "gpt-3.5-turbo", cfg.Defaults.ChatModel)
		require.Equal(t, "text-embedding-ada-002", cfg.Defaults.EmbeddingModel)
		require.Equal(t, 4080, cfg.Defaults.CompletionTotalTokens)
		require.True(t, cfg.Providers.EchoEnabled)
	})

	t.Run("should load config from environment variables", func(t *testing.T) {
		t.Setenv("SERVER_PORT", "9000")
		t.Setenv("OPENAI_API_KEY", "sk-test-key")
		t.Setenv("OPENAI_BASE_URL", "https://test.openai.com")
		t.Setenv("LOCAL_CACHE_PATH", "/var/cache/aibridge")
		t.Setenv("REMOTE_CACHE_ENABLED", "true")
		t.Setenv("REMOTE_CACHE_DRIVER", "redis")
		t.Setenv("REMOTE_CACHE_URL", "redis://localhost:6379/0")
		t.Setenv("DISPATCH_MAX_CONCURRENT", "4")
		t.Setenv("DISPATCH_POST_CALL_DELAY", "250ms")
		t.Setenv("CACHE_PROMPT_ENABLED", "false")

		cfg := config.Load()

		require.Equal(t, 9000, cfg.Server.Port)
		require.Equal(t, "sk-test-key", cfg.OpenAI.APIKey)
		require.Equal(t, "https://test.openai.com", cfg.OpenAI.BaseURL)
		require.Equal(t, "/var/cache/aibridge", cfg.Local.Path)
		require.True(t, cfg.Remote.Enabled)
		require.Equal(t, config.DriverRedis, cfg.Remote.Driver)
		require.Equal(t, 4, cfg.Dispatch.MaxConcurrent)
		require.Equal(t, 250*time.Millisecond, cfg.Dispatch.PostCallDelay)
		require.False(t, cfg.Cache.PromptCacheEnabled)
	})
}

func TestLoadFile(t *testing.T) {
	t.Run("should overlay yaml on top of the environment", func(t *testing.T) {
		t.Setenv("SERVER_PORT", "9000")
		t.Setenv("DISPATCH_MAX_CONCURRENT", "4")
		path := writeFile(t, `
dispatch:
  max_concurrent: 2
  post_call_delay: 1s
cache:
  temperature_key_multiplier: 10
defaults:
  chat_model: gpt-4
remote_cache:
  enabled: true
  url: mongodb://localhost:27017
`)

		cfg, err := config.LoadFile(path)

		require.NoError(t, err)
		require.Equal(t, 9000, cfg.Server.Port)
		require.Equal(t, 2, cfg.Dispatch.MaxConcurrent)
		require.Equal(t, time.Second, cfg.Dispatch.PostCallDelay)
		require.InDelta(t, 10.0, cfg.Cache.TemperatureKeyMultiplier, 0)
		require.Equal(t, "gpt-4", cfg.Defaults.ChatModel)
		require.Equal(t, "gpt-3.5-turbo", cfg.Defaults.CompletionModel)
		require.True(t, cfg.Remote.Enabled)
		require.Equal(t, config.DriverMongo, cfg.Remote.Driver)
		require.Equal(t, "aibridge", cfg.Remote.Database)
	})

	t.Run("should reject an unknown remote driver", func(t *testing.T) {
		path := writeFile(t, "remote_cache:\n  enabled: true\n  driver: cassandra\n  url: x\n")

		_, err := config.LoadFile(path)

		require.ErrorIs(t, err, domain.ErrConfiguration)
		require.Contains(t, err.Error(), "cassandra")
	})

	t.Run("should require a remote url when enabled", func(t *testing.T) {
		t.Setenv("REMOTE_CACHE_ENABLED", "true")

		_, err := config.LoadFile("")

		require.ErrorIs(t, err, domain.ErrConfiguration)
	})

	t.Run("should fail on a missing file", func(t *testing.T) {
		_, err := config.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))

		require.ErrorIs(t, err, domain.ErrConfiguration)
	})

	t.Run("should fail on malformed yaml", func(t *testing.T) {
		path := writeFile(t, "dispatch: [not, a, map")

		_, err := config.LoadFile(path)

		require.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

func TestParseDependenciesConfig(t *testing.T) {
	t.Run("should expose every sub-config", func(t *testing.T) {
		os.Clearenv()
		cfg := config.Load()

		deps := config.ParseDependenciesConfig(cfg)

		require.Same(t, &cfg.Server, deps.Server)
		require.Same(t, &cfg.Local, deps.Local)
		require.Same(t, &cfg.Dispatch, deps.Dispatch)
		require.Same(t, &cfg.Defaults, deps.Defaults)
	})
}
