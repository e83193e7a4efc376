package domain

import (
	"bytes"
	"crypto/md5" //nolint:gosec // content address, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// CleanOptions is the whitelisted subset of Options that affects provider output.
// Fields are declared in lexical JSON-name order so encoding/json emits sorted keys.
type CleanOptions struct {
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	LogitBias        map[string]int `json:"logit_bias,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
	Stop             []string       `json:"stop,omitempty"`
	Suffix           *string        `json:"suffix,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
}

// CleanOptionKeys lists the option names that take part in cache identity.
//
//nolint:gochecknoglobals // read-only whitelist
var CleanOptionKeys = []string{
	"max_tokens",
	"stop",
	"temperature",
	"top_p",
	"presence_penalty",
	"frequency_penalty",
	"logit_bias",
	"suffix",
}

// CacheKey is the derived lookup identity of a prompt and its options.
type CacheKey struct {
	Hash      string
	Options   CleanOptions
	Canonical string
}

// Clean filters the options down to the whitelist. Unset values are dropped.
func (o Options) Clean() CleanOptions {
	clean := CleanOptions{
		FrequencyPenalty: o.FrequencyPenalty,
		MaxTokens:        o.MaxTokens,
		PresencePenalty:  o.PresencePenalty,
		Suffix:           o.Suffix,
		Temperature:      o.Temperature,
		TopP:             o.TopP,
	}
	if len(o.Stop) > 0 {
		clean.Stop = slices.Clone(o.Stop)
	}
	if len(o.LogitBias) > 0 {
		clean.LogitBias = maps.Clone(o.LogitBias)
	}
	return clean
}

// Canonical returns the deterministic JSON form of the clean options.
func (c CleanOptions) Canonical() (string, error) {
	data, err := CanonicalJSON(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// BuildKey derives the content hash of a prompt and the whitelisted options.
func BuildKey(prompt string, opts Options) (CacheKey, error) {
	if strings.TrimSpace(opts.Model) == "" {
		return CacheKey{}, fmt.Errorf("%w: model option is required", ErrConfiguration)
	}

	clean := opts.Clean()
	canonical, err := clean.Canonical()
	if err != nil {
		return CacheKey{}, fmt.Errorf("failed to serialize options: %w", err)
	}

	sum := md5.Sum([]byte(NormalizePrompt(prompt) + "-" + canonical)) //nolint:gosec // see import
	return CacheKey{
		Hash:      hex.EncodeToString(sum[:]),
		Options:   clean,
		Canonical: canonical,
	}, nil
}

// NormalizePrompt replaces invalid UTF-8 with U+FFFD, the form a prompt takes
// after a JSON round trip, so stored and requested prompts compare equal.
func NormalizePrompt(prompt string) string {
	return strings.ToValidUTF8(prompt, "\uFFFD")
}

// ChatPrompt serializes chat turns into the text form used as the cache prompt.
func ChatPrompt(messages []Message) (string, error) {
	type turn struct {
		Content string `json:"content"`
		Role    string `json:"role"`
	}
	turns := make([]turn, len(messages))
	for i, msg := range messages {
		turns[i] = turn{Content: msg.Content, Role: msg.Role}
	}

	data, err := CanonicalJSON(turns)
	if err != nil {
		return "", fmt.Errorf("failed to serialize messages: %w", err)
	}
	return string(data), nil
}

// CanonicalJSON encodes v without HTML escaping and without the trailing newline.
// Struct field order and encoding/json's sorted map keys make the output stable.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
