package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/JakeFAU/corpus-jobs/internal/provider"
	"github.com/JakeFAU/corpus-jobs/internal/retry"
	"github.com/JakeFAU/corpus-jobs/internal/runner"
	"github.com/JakeFAU/corpus-jobs/internal/store"
)

const (
	// PhaseEmbed is the only phase of the embed job.
	PhaseEmbed = "embed"

	defaultChunkTokens = 1000
	defaultEmbedBatch  = 200
)

// EmbedOption customizes the embed strategy.
type EmbedOption func(*Embed)

// WithChunkTokens sets the chunk size in estimated tokens.
func WithChunkTokens(n int) EmbedOption {
	return func(s *Embed) {
		if n > 0 {
			s.chunkTokens = n
		}
	}
}

// WithEmbedBatch sets how many chunks are embedded per provider call.
func WithEmbedBatch(n int) EmbedOption {
	return func(s *Embed) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// Embed chunks item fulltext and stores one vector per chunk.
type Embed struct {
	corpus      store.CorpusRepository
	embedder    provider.Embedder
	chunkTokens int
	batchSize   int
	pageSize    int
}

// NewEmbed builds the embed strategy.
func NewEmbed(corpus store.CorpusRepository, embedder provider.Embedder, opts ...EmbedOption) (*Embed, error) {
	if corpus == nil || embedder == nil {
		return nil, fmt.Errorf("corpus and embedder are required")
	}
	s := &Embed{
		corpus:      corpus,
		embedder:    embedder,
		chunkTokens: defaultChunkTokens,
		batchSize:   defaultEmbedBatch,
		pageSize:    defaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Phases implements runner.Strategy.
func (s *Embed) Phases() []runner.Phase {
	return []runner.Phase{{Name: PhaseEmbed, Resumable: true}}
}

// Count implements runner.Counter.
func (s *Embed) Count(ctx context.Context, _ json.RawMessage) (int64, error) {
	return s.corpus.CountItemsMissingChunks(ctx, 0)
}

// Open implements runner.Strategy.
func (s *Embed) Open(ctx context.Context, env *runner.Env) (runner.Iterator, error) {
	after, err := parseItemPosition(env.Position)
	if err != nil {
		return nil, err
	}
	if env.Fresh() {
		n, err := s.corpus.CountItemsMissingChunks(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("count items without chunks: %w", err)
		}
		env.AddTotal(n)
	}
	return &itemIterator{
		after:    after,
		pageSize: s.pageSize,
		list:     s.corpus.ListItemsMissingChunks,
		unit:     s.unit,
	}, nil
}

func (s *Embed) unit(item store.Item) runner.Unit {
	return runner.Unit{
		Position: strconv.FormatInt(item.ID, 10),
		Label:    itemLabel(item),
		Target:   s.embedder.Model(),
		Do: func(ctx context.Context) (runner.Outcome, error) {
			return s.embed(ctx, item)
		},
	}
}

func (s *Embed) embed(ctx context.Context, item store.Item) (runner.Outcome, error) {
	if item.Fulltext == nil {
		return runner.Outcome{ItemID: item.ID, Skipped: true}, nil
	}
	texts := ChunkText(*item.Fulltext, s.chunkTokens)
	if len(texts) == 0 {
		return runner.Outcome{ItemID: item.ID, Skipped: true}, nil
	}

	model := s.embedder.Model()
	chunks := make([]store.Chunk, 0, len(texts))
	var usage provider.Usage
	for start := 0; start < len(texts); start += s.batchSize {
		batch := texts[start:min(start+s.batchSize, len(texts))]
		res, err := s.embedder.Embed(ctx, batch)
		if err != nil {
			return runner.Outcome{}, err
		}
		if len(res.Vectors) != len(batch) {
			return runner.Outcome{}, retry.Client(fmt.Errorf("embedder returned %d vectors for %d chunks", len(res.Vectors), len(batch)))
		}
		usage.TokensInput += res.Usage.TokensInput
		usage.TokensOutput += res.Usage.TokensOutput
		for i, text := range batch {
			chunks = append(chunks, store.Chunk{
				ItemID:    item.ID,
				Index:     start + i,
				Text:      text,
				Tokens:    chunkTokens(text),
				Embedding: res.Vectors[i],
				Model:     model,
			})
		}
	}
	if usage.TokensInput == 0 {
		for _, c := range chunks {
			usage.TokensInput += int64(c.Tokens)
		}
	}
	if err := s.corpus.ReplaceChunks(ctx, item.ID, chunks); err != nil {
		return runner.Outcome{}, fmt.Errorf("store chunks: %w", err)
	}
	return runner.Outcome{
		ItemID: item.ID,
		Usage:  runner.Usage{TokensInput: usage.TokensInput, TokensOutput: usage.TokensOutput, Model: model},
	}, nil
}
