package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"
	"gopkg.in/yaml.v3"

	"github.com/davidbz/aibridge/internal/cache/jsonl"
	"github.com/davidbz/aibridge/internal/dispatch"
	"github.com/davidbz/aibridge/internal/domain"
	"github.com/davidbz/aibridge/internal/provider/openai"
	"github.com/davidbz/aibridge/internal/tokens"
)

// FileEnvVar names the optional YAML overlay file.
const FileEnvVar = "AIBRIDGE_CONFIG"

// Remote cache drivers.
const (
	DriverMongo = "mongo"
	DriverRedis = "redis"
)

// Config represents the bridge configuration.
// Precedence: YAML overlay, then environment, then defaults.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	CORS      CORSConfig                `yaml:"cors"`
	OpenAI    openai.Config             `yaml:"openai"`
	Providers ProvidersConfig           `yaml:"providers"`
	Cache     domain.LayeredCacheConfig `yaml:"cache"`
	Local     jsonl.Config              `yaml:"local_cache"`
	Remote    RemoteCacheConfig         `yaml:"remote_cache"`
	Dispatch  dispatch.Config           `yaml:"dispatch"`
	Defaults  domain.BridgeDefaults     `yaml:"defaults"`
	Tokens    tokens.Config             `yaml:"tokens"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int `env:"SERVER_PORT"          envDefault:"8080" yaml:"port"`
	ReadTimeout  int `env:"SERVER_READ_TIMEOUT"  envDefault:"30"   yaml:"read_timeout"`
	WriteTimeout int `env:"SERVER_WRITE_TIMEOUT" envDefault:"300"  yaml:"write_timeout"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"                            yaml:"allowed_origins"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,OPTIONS"             yaml:"allowed_methods"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization" yaml:"allowed_headers"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"true"                         yaml:"allow_credentials"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"                        yaml:"max_age"`
}

// ProvidersConfig toggles built-in providers.
type ProvidersConfig struct {
	EchoEnabled bool `env:"ECHO_PROVIDER_ENABLED" envDefault:"true" yaml:"echo_enabled"`
}

// RemoteCacheConfig selects and addresses the shared cache tier.
type RemoteCacheConfig struct {
	Enabled bool   `env:"REMOTE_CACHE_ENABLED" envDefault:"false" yaml:"enabled"`
	Driver  string `env:"REMOTE_CACHE_DRIVER"  envDefault:"mongo" yaml:"driver"`
	URL     string `env:"REMOTE_CACHE_URL"                        yaml:"url"`
	// Database is the mongo database name, or the key prefix for redis.
	Database string `env:"REMOTE_CACHE_DATABASE" envDefault:"aibridge" yaml:"database"`
}

// DepConfig is used for dependency injection with dig.
type DepConfig struct {
	dig.Out
	Server    *ServerConfig
	CORS      *CORSConfig
	OpenAI    *openai.Config
	Providers *ProvidersConfig
	Cache     *domain.LayeredCacheConfig
	Local     *jsonl.Config
	Remote    *RemoteCacheConfig
	Dispatch  *dispatch.Config
	Defaults  *domain.BridgeDefaults
	Tokens    *tokens.Config
}

// Load loads environment files and parses configuration, overlaying the file
// named by AIBRIDGE_CONFIG when set. It panics on invalid configuration.
func Load() *Config {
	cfg, err := LoadFile(os.Getenv(FileEnvVar))
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadFile parses the environment and overlays the YAML file at path, if any.
func LoadFile(path string) (*Config, error) {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read %s: %w", domain.ErrConfiguration, path, err)
		}
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %w", domain.ErrConfiguration, path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if c.Remote.Enabled {
		if !slices.Contains([]string{DriverMongo, DriverRedis}, c.Remote.Driver) {
			errs = append(errs, fmt.Errorf("unknown remote cache driver %q", c.Remote.Driver))
		}
		if c.Remote.URL == "" {
			errs = append(errs, errors.New("remote cache url is required when the remote cache is enabled"))
		}
	}
	if c.Dispatch.MaxConcurrent < 1 {
		errs = append(errs, errors.New("dispatch max concurrent must be at least 1"))
	}
	if c.Dispatch.PostCallDelay < 0 {
		errs = append(errs, errors.New("dispatch post-call delay cannot be negative"))
	}
	if c.Cache.TemperatureKeyMultiplier < 0 {
		errs = append(errs, errors.New("temperature key multiplier cannot be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		Server:    &cfg.Server,
		CORS:      &cfg.CORS,
		OpenAI:    &cfg.OpenAI,
		Providers: &cfg.Providers,
		Cache:     &cfg.Cache,
		Local:     &cfg.Local,
		Remote:    &cfg.Remote,
		Dispatch:  &cfg.Dispatch,
		Defaults:  &cfg.Defaults,
		Tokens:    &cfg.Tokens,
	}
}
