package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-jobs/internal/retry"
)

// maxEmbedChars keeps a single input well below the 8k token model limit.
const maxEmbedChars = 20000

// LangChainEmbedder embeds through a langchaingo embeddings client.
type LangChainEmbedder struct {
	backend   string
	model     embeddings.Embedder
	modelName string
	dimension int
	logger    *zap.Logger
}

// NewEmbedder builds the configured embedding backend.
func NewEmbedder(cfg Config, logger *zap.Logger) (*LangChainEmbedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var client embeddings.EmbedderClient
	switch strings.ToLower(cfg.Provider) {
	case Ollama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		client = llm
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai api key required")
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithEmbeddingModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		client = llm
	case Anthropic:
		return nil, fmt.Errorf("anthropic embeddings: %w", ErrUnsupported)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.Provider)
	}
	model, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("create %s embedder: %w", cfg.Provider, err)
	}
	return &LangChainEmbedder{
		backend:   strings.ToLower(cfg.Provider),
		model:     model,
		modelName: cfg.Model,
		dimension: cfg.Dimension,
		logger:    logger,
	}, nil
}

// Embed returns one vector per text. Usage is estimated from the input since
// the embedding endpoints do not report it through langchaingo.
func (e *LangChainEmbedder) Embed(ctx context.Context, texts []string) (Embedding, error) {
	if len(texts) == 0 {
		return Embedding{Vectors: [][]float32{}}, nil
	}
	inputs := make([]string, len(texts))
	var usage Usage
	for i, text := range texts {
		if len(text) > maxEmbedChars {
			text = text[:maxEmbedChars]
		}
		inputs[i] = text
		usage.TokensInput += EstimateTokens(text)
	}

	vectors, err := e.model.EmbedDocuments(ctx, inputs)
	if err != nil {
		e.logger.Debug("embedding batch failed", zap.String("model", e.modelName), zap.Int("texts", len(texts)), zap.Error(err))
		return Embedding{}, Wrap(e.backend, fmt.Errorf("embed batch: %w", err))
	}
	if len(vectors) != len(texts) {
		return Embedding{}, Wrap(e.backend, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(texts)))
	}
	if e.dimension > 0 {
		for i, v := range vectors {
			if len(v) != e.dimension {
				return Embedding{}, &Error{
					Provider: e.backend,
					Class:    retry.ClassClient,
					Err:      fmt.Errorf("embedding %d dimension mismatch: got %d, want %d", i, len(v), e.dimension),
				}
			}
		}
	}
	return Embedding{Vectors: vectors, Usage: usage}, nil
}

// Model returns the embedding model name.
func (e *LangChainEmbedder) Model() string { return e.modelName }

// Dimension returns the expected vector size, or 0 when unchecked.
func (e *LangChainEmbedder) Dimension() int { return e.dimension }

// LangChainGenerator generates text through a langchaingo chat model.
type LangChainGenerator struct {
	backend   string
	llm       llms.Model
	modelName string
	json      bool
}

// NewGenerator builds the configured chat backend.
func NewGenerator(cfg Config) (*LangChainGenerator, error) {
	var model llms.Model
	var err error
	switch strings.ToLower(cfg.Provider) {
	case Ollama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		if cfg.JSON {
			opts = append(opts, ollama.WithFormat("json"))
		}
		model, err = ollama.New(opts...)
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai api key required")
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case Anthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic api key required")
		}
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey), anthropic.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		model, err = anthropic.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported chat provider: %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", cfg.Provider, err)
	}
	return &LangChainGenerator{
		backend:   strings.ToLower(cfg.Provider),
		llm:       model,
		modelName: cfg.Model,
		json:      cfg.JSON,
	}, nil
}

// Generate sends a system and a user message and returns the first choice.
func (g *LangChainGenerator) Generate(ctx context.Context, system, user string) (Generation, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}
	opts := []llms.CallOption{llms.WithTemperature(0.3)}
	if g.json && g.backend == OpenAI {
		opts = append(opts, llms.WithJSONMode())
	}
	resp, err := g.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return Generation{}, Wrap(g.backend, fmt.Errorf("generate: %w", err))
	}
	if len(resp.Choices) == 0 {
		return Generation{}, Wrap(g.backend, fmt.Errorf("no response choices"))
	}
	choice := resp.Choices[0]
	usage := Usage{
		TokensInput:  intFrom(choice.GenerationInfo, "PromptTokens", "InputTokens"),
		TokensOutput: intFrom(choice.GenerationInfo, "CompletionTokens", "OutputTokens"),
	}
	if usage.TokensInput == 0 {
		usage.TokensInput = EstimateTokens(system) + EstimateTokens(user)
	}
	if usage.TokensOutput == 0 {
		usage.TokensOutput = EstimateTokens(choice.Content)
	}
	return Generation{Text: choice.Content, Usage: usage}, nil
}

// Model returns the chat model name.
func (g *LangChainGenerator) Model() string { return g.modelName }

func intFrom(info map[string]any, keys ...string) int64 {
	for _, key := range keys {
		switch v := info[key].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return 0
}
