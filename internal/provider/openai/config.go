package openai

// Config contains OpenAI provider configuration.
//   - APIKey: Maps to option.WithAPIKey() and the streaming Authorization header
//   - BaseURL: Maps to option.WithBaseURL()
//   - Timeout: Maps to option.WithRequestTimeout() (in seconds)
type Config struct {
	APIKey  string `env:"OPENAI_API_KEY"                                              yaml:"api_key"`
	BaseURL string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1" yaml:"base_url"`
	Timeout int    `env:"OPENAI_TIMEOUT"  envDefault:"60"                        yaml:"timeout"`
}
