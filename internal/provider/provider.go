// Package provider exposes the embedding and text generation capabilities the
// jobs depend on. Each backend implements one small interface and is chosen by
// configuration; callers never inspect the concrete type.
package provider

import (
	"context"
	"errors"
	"unicode/utf8"
)

// ErrUnsupported signals a backend that lacks the requested capability.
var ErrUnsupported = errors.New("capability not supported by provider")

// Backend names.
const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Ollama    = "ollama"
)

// Usage is the metered token count of one call.
type Usage struct {
	TokensInput  int64
	TokensOutput int64
}

// Embedding is the result of one embedding batch.
type Embedding struct {
	Vectors [][]float32
	Usage   Usage
}

// Generation is the result of one chat call.
type Generation struct {
	Text  string
	Usage Usage
}

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (Embedding, error)
	Model() string
	Dimension() int
}

// Generator produces text from a system and a user prompt.
type Generator interface {
	Generate(ctx context.Context, system, user string) (Generation, error)
	Model() string
}

// Config selects and configures one backend.
type Config struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	Dimension int    `mapstructure:"dimension"`
	// JSON asks chat backends for a JSON object response.
	JSON bool `mapstructure:"json"`
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(text string) int64 {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return int64((n + 3) / 4)
}
