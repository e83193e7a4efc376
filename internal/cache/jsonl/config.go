package jsonl

import "time"

// Config contains local log cache settings.
type Config struct {
	Enabled bool   `env:"LOCAL_CACHE_ENABLED" envDefault:"true"               yaml:"enabled"`
	Path    string `env:"LOCAL_CACHE_PATH"    envDefault:"./.ai-bridge-cache" yaml:"path"`
	// LockTimeout bounds how long a writer waits for a shard lock.
	LockTimeout    time.Duration `env:"LOCAL_CACHE_LOCK_TIMEOUT"     envDefault:"10s"  yaml:"lock_timeout"`
	LockRetryDelay time.Duration `env:"LOCAL_CACHE_LOCK_RETRY_DELAY" envDefault:"25ms" yaml:"lock_retry_delay"`
}
