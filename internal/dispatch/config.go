package dispatch

import "time"

// Config contains outbound call throttling settings.
type Config struct {
	MaxConcurrent int           `env:"DISPATCH_MAX_CONCURRENT"   envDefault:"1"     yaml:"max_concurrent"`
	PostCallDelay time.Duration `env:"DISPATCH_POST_CALL_DELAY"  envDefault:"100ms" yaml:"post_call_delay"`
	// RequestsPerSecond adds token-bucket pacing on admission; 0 disables it.
	RequestsPerSecond float64 `env:"DISPATCH_REQUESTS_PER_SECOND" envDefault:"0" yaml:"requests_per_second"`
	Burst             int     `env:"DISPATCH_BURST"               envDefault:"1" yaml:"burst"`
}
