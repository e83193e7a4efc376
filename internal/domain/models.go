package domain

// Kind identifies one of the three provider call shapes.
type Kind string

const (
	KindCompletion Kind = "completion"
	KindChat       Kind = "chat"
	KindEmbedding  Kind = "embedding"
)

// Options carries the provider options of a single call.
// Only the fields listed in CleanOptions take part in cache identity.
type Options struct {
	Model            string         `json:"model"                       yaml:"model"`
	MaxTokens        *int           `json:"max_tokens,omitempty"        yaml:"max_tokens,omitempty"`
	TotalTokens      int            `json:"total_tokens,omitempty"      yaml:"total_tokens,omitempty"`
	Stop             []string       `json:"stop,omitempty"              yaml:"stop,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"       yaml:"temperature,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"             yaml:"top_p,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"  yaml:"presence_penalty,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
	LogitBias        map[string]int `json:"logit_bias,omitempty"        yaml:"logit_bias,omitempty"`
	Suffix           *string        `json:"suffix,omitempty"            yaml:"suffix,omitempty"`
	User             string         `json:"user,omitempty"              yaml:"user,omitempty"`
	Stream           bool           `json:"stream,omitempty"            yaml:"stream,omitempty"`
}

// TemperatureValue returns the sampling temperature, treating unset as 0.
func (o Options) TemperatureValue() float64 {
	if o.Temperature == nil {
		return 0
	}
	return *o.Temperature
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// CompletionRequest asks for a legacy prompt completion.
type CompletionRequest struct {
	Prompt  string  `json:"prompt"`
	Options Options `json:"options"`
	Group   string  `json:"group,omitempty"`
	// Variant pins the cache bucket; nil selects one from the temperature.
	Variant *int `json:"variant,omitempty"`
}

// ChatRequest asks for a chat completion.
type ChatRequest struct {
	Messages []Message `json:"messages"`
	Options  Options   `json:"options"`
	Group    string    `json:"group,omitempty"`
	Variant  *int      `json:"variant,omitempty"`
}

// EmbeddingRequest asks for the embedding vector of a single input.
type EmbeddingRequest struct {
	Input   string  `json:"input"`
	Options Options `json:"options"`
	Group   string  `json:"group,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
}

// CompletionResult is returned by Complete and Chat.
type CompletionResult struct {
	Model      string `json:"model"`
	Completion string `json:"completion"`
	Usage      Usage  `json:"usage"`
	Cached     bool   `json:"cached"`
}

// EmbeddingResult is returned by Embed.
type EmbeddingResult struct {
	Model     string    `json:"model"`
	Embedding []float64 `json:"embedding"`
	Usage     Usage     `json:"usage"`
	Cached    bool      `json:"cached"`
}

// Payload is the cached provider output; exactly one field is set.
type Payload struct {
	Completion string
	Embedding  []float64
}

// IsEmpty reports whether the payload carries nothing worth caching.
func (p *Payload) IsEmpty() bool {
	return p == nil || (p.Completion == "" && len(p.Embedding) == 0)
}

// CacheEntry is the fully resolved lookup identity handed to a cache tier.
type CacheEntry struct {
	Kind    Kind
	Model   string
	Group   string
	Hash    string
	Prompt  string
	Options CleanOptions
	// Variant is always 0 for embeddings.
	Variant int
}
