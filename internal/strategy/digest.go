package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-jobs/internal/provider"
	"github.com/JakeFAU/corpus-jobs/internal/runner"
	"github.com/JakeFAU/corpus-jobs/internal/store"
)

// Digest phases.
const (
	PhaseDigestFetch = "fetch"
	PhaseCluster     = "cluster"
	PhaseSummarize   = "summarize"
	PhaseCompile     = "compile"
)

// Digest defaults.
const (
	DefaultDigestDays   = 7
	DefaultDigestLimit  = 2000
	DefaultDigestTopics = 7
	kmeansIterations    = 25
	promptChunks        = 8
	promptChunkChars    = 1200
)

const (
	topicSystemPrompt = "You name and summarize a cluster of passages from one person's reading. " +
		`Reply with a JSON object {"name": "...", "summary": "..."}. The name has at most six words; ` +
		"the summary is two or three sentences."
	digestSystemPrompt = "You write the introduction of a weekly reading digest from its topic summaries. " +
		`Reply with a JSON object {"title": "...", "summary": "..."}. The summary is one short paragraph.`
)

// DigestParams are the digest job parameters.
type DigestParams struct {
	Days   int `json:"days,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Topics int `json:"topics,omitempty"`
}

func (p DigestParams) withDefaults() DigestParams {
	if p.Days <= 0 {
		p.Days = DefaultDigestDays
	}
	if p.Limit <= 0 {
		p.Limit = DefaultDigestLimit
	}
	if p.Topics <= 0 {
		p.Topics = DefaultDigestTopics
	}
	return p
}

// digestState is carried between digest phases in the cursor.
type digestState struct {
	WindowStart time.Time           `json:"window_start"`
	WindowEnd   time.Time           `json:"window_end"`
	ChunkIDs    []int64             `json:"chunk_ids,omitempty"`
	Topics      []store.DigestTopic `json:"topics,omitempty"`
	DigestID    int64               `json:"digest_id,omitempty"`
}

// DigestOption customizes the digest strategy.
type DigestOption func(*Digest)

// WithDigestClock overrides the time source of the digest window.
func WithDigestClock(now func() time.Time) DigestOption {
	return func(s *Digest) {
		if now != nil {
			s.now = now
		}
	}
}

// WithArtifacts stores the compiled digest as Markdown in blobs.
func WithArtifacts(blobs store.BlobStore) DigestOption {
	return func(s *Digest) { s.blobs = blobs }
}

// Digest clusters recently saved chunks into topics and compiles a summary.
// Its phases are short and restart from their beginning after a pause.
type Digest struct {
	corpus    store.CorpusRepository
	generator provider.Generator
	blobs     store.BlobStore
	now       func() time.Time
}

// NewDigest builds the digest strategy.
func NewDigest(corpus store.CorpusRepository, generator provider.Generator, opts ...DigestOption) (*Digest, error) {
	if corpus == nil || generator == nil {
		return nil, fmt.Errorf("corpus and generator are required")
	}
	s := &Digest{corpus: corpus, generator: generator, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Phases implements runner.Strategy.
func (s *Digest) Phases() []runner.Phase {
	return []runner.Phase{
		{Name: PhaseDigestFetch},
		{Name: PhaseCluster},
		{Name: PhaseSummarize},
		{Name: PhaseCompile},
	}
}

// Count implements runner.Counter with the number of chunks in the window.
func (s *Digest) Count(ctx context.Context, params json.RawMessage) (int64, error) {
	var p DigestParams
	if err := decodeParams(params, &p); err != nil {
		return 0, err
	}
	p = p.withDefaults()
	chunks, err := s.corpus.ListChunksSince(ctx, s.now().AddDate(0, 0, -p.Days), p.Limit)
	if err != nil {
		return 0, fmt.Errorf("list chunks: %w", err)
	}
	return int64(len(chunks)), nil
}

// Open implements runner.Strategy.
func (s *Digest) Open(_ context.Context, env *runner.Env) (runner.Iterator, error) {
	var p DigestParams
	if err := decodeParams(env.Params, &p); err != nil {
		return nil, err
	}
	p = p.withDefaults()
	st := &digestState{}
	if len(env.State) > 0 {
		if err := json.Unmarshal(env.State, st); err != nil {
			return nil, fmt.Errorf("decode digest state: %w", err)
		}
	}

	var units []runner.Unit
	switch env.Phase.Name {
	case PhaseDigestFetch:
		units = []runner.Unit{{Position: "chunks", Label: "recent chunks", Do: func(ctx context.Context) (runner.Outcome, error) {
			return s.fetchChunks(ctx, st, p)
		}}}
	case PhaseCluster:
		units = []runner.Unit{{Position: "clusters", Label: "topic clusters", Do: func(ctx context.Context) (runner.Outcome, error) {
			return s.cluster(ctx, st, p, env.Logger)
		}}}
	case PhaseSummarize:
		for i := range st.Topics {
			units = append(units, runner.Unit{
				Position: strconv.Itoa(i),
				Label:    fmt.Sprintf("topic %d", i+1),
				Target:   s.generator.Model(),
				Do: func(ctx context.Context) (runner.Outcome, error) {
					return s.summarize(ctx, st, i)
				},
			})
		}
	case PhaseCompile:
		units = []runner.Unit{{Position: "digest", Label: "digest", Target: s.generator.Model(), Do: func(ctx context.Context) (runner.Outcome, error) {
			return s.compile(ctx, st, env.JobID)
		}}}
	default:
		return nil, fmt.Errorf("digest has no phase %q", env.Phase.Name)
	}
	env.AddTotal(int64(len(units)))
	return &unitIterator{units: units}, nil
}

func (s *Digest) fetchChunks(ctx context.Context, st *digestState, p DigestParams) (runner.Outcome, error) {
	end := s.now().UTC()
	start := end.AddDate(0, 0, -p.Days)
	chunks, err := s.corpus.ListChunksSince(ctx, start, p.Limit)
	if err != nil {
		return runner.Outcome{}, fmt.Errorf("list chunks: %w", err)
	}
	*st = digestState{WindowStart: start, WindowEnd: end, ChunkIDs: make([]int64, 0, len(chunks))}
	for _, c := range chunks {
		if len(c.Embedding) > 0 {
			st.ChunkIDs = append(st.ChunkIDs, c.ID)
		}
	}
	return stateOutcome(st)
}

func (s *Digest) cluster(ctx context.Context, st *digestState, p DigestParams, logger *zap.Logger) (runner.Outcome, error) {
	chunks, err := s.corpus.GetChunks(ctx, st.ChunkIDs)
	if err != nil {
		return runner.Outcome{}, fmt.Errorf("load chunks: %w", err)
	}
	vectors := make([][]float32, len(chunks))
	for i, c := range chunks {
		vectors[i] = c.Embedding
	}
	clusters := KMeans(vectors, p.Topics, kmeansIterations)
	st.Topics = make([]store.DigestTopic, 0, len(clusters))
	for _, members := range clusters {
		var topic store.DigestTopic
		for _, idx := range members {
			topic.ChunkIDs = append(topic.ChunkIDs, chunks[idx].ID)
			if !slices.Contains(topic.ItemIDs, chunks[idx].ItemID) {
				topic.ItemIDs = append(topic.ItemIDs, chunks[idx].ItemID)
			}
		}
		st.Topics = append(st.Topics, topic)
	}
	logger.Info("chunks clustered", zap.Int("chunks", len(chunks)), zap.Int("topics", len(st.Topics)))
	return stateOutcome(st)
}

func (s *Digest) summarize(ctx context.Context, st *digestState, i int) (runner.Outcome, error) {
	topic := st.Topics[i]
	ids := topic.ChunkIDs[:min(len(topic.ChunkIDs), promptChunks)]
	chunks, err := s.corpus.GetChunks(ctx, ids)
	if err != nil {
		return runner.Outcome{}, fmt.Errorf("load topic chunks: %w", err)
	}
	var prompt strings.Builder
	prompt.WriteString("Passages:\n")
	for _, c := range chunks {
		text := c.Text
		if r := []rune(text); len(r) > promptChunkChars {
			text = string(r[:promptChunkChars])
		}
		fmt.Fprintf(&prompt, "\n---\n%s\n", text)
	}

	gen, err := s.generator.Generate(ctx, topicSystemPrompt, prompt.String())
	if err != nil {
		return runner.Outcome{}, err
	}
	reply := parseReply(gen.Text)
	st.Topics[i].Name = labelOf(reply.Name, reply.Title, fmt.Sprintf("Topic %d", i+1))
	st.Topics[i].Summary = reply.Summary
	out, err := stateOutcome(st)
	out.Usage = s.usage(gen.Usage)
	return out, err
}

func (s *Digest) compile(ctx context.Context, st *digestState, jobID string) (runner.Outcome, error) {
	digest := store.Digest{
		JobID:       jobID,
		Title:       "Reading digest " + st.WindowEnd.Format("2006-01-02"),
		Topics:      st.Topics,
		WindowStart: st.WindowStart,
		WindowEnd:   st.WindowEnd,
	}
	var usage runner.Usage
	if len(st.Topics) == 0 {
		digest.Summary = "Nothing was saved in this period."
	} else {
		var prompt strings.Builder
		for i, t := range st.Topics {
			fmt.Fprintf(&prompt, "%d. %s: %s\n", i+1, labelOf(t.Name, fmt.Sprintf("Topic %d", i+1)), t.Summary)
		}
		gen, err := s.generator.Generate(ctx, digestSystemPrompt, prompt.String())
		if err != nil {
			return runner.Outcome{}, err
		}
		reply := parseReply(gen.Text)
		digest.Title = labelOf(reply.Title, reply.Name, digest.Title)
		digest.Summary = reply.Summary
		usage = s.usage(gen.Usage)
	}

	if s.blobs != nil {
		uri, err := s.blobs.PutObject(ctx, "digests/"+jobID+".md", "text/markdown; charset=utf-8",
			strings.NewReader(RenderMarkdown(digest)))
		if err != nil {
			return runner.Outcome{}, fmt.Errorf("store digest artifact: %w", err)
		}
		digest.ArtifactURI = uri
	}
	id, err := s.corpus.SaveDigest(ctx, digest)
	if err != nil {
		return runner.Outcome{}, fmt.Errorf("save digest: %w", err)
	}
	st.DigestID = id
	out, err := stateOutcome(st)
	out.Usage = usage
	return out, err
}

func (s *Digest) usage(u provider.Usage) runner.Usage {
	return runner.Usage{TokensInput: u.TokensInput, TokensOutput: u.TokensOutput, Model: s.generator.Model()}
}

// RenderMarkdown formats a digest as a Markdown document.
func RenderMarkdown(d store.Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", d.Title)
	fmt.Fprintf(&b, "_%s to %s_\n\n", d.WindowStart.Format("2006-01-02"), d.WindowEnd.Format("2006-01-02"))
	if d.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", d.Summary)
	}
	for i, t := range d.Topics {
		fmt.Fprintf(&b, "## %s\n\n", labelOf(t.Name, fmt.Sprintf("Topic %d", i+1)))
		if t.Summary != "" {
			fmt.Fprintf(&b, "%s\n\n", t.Summary)
		}
		fmt.Fprintf(&b, "%d passages from %d items.\n\n", len(t.ChunkIDs), len(t.ItemIDs))
	}
	return b.String()
}

type modelReply struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// parseReply reads a JSON object from a model reply, tolerating code fences
// and surrounding prose. Anything unparsable becomes the summary.
func parseReply(text string) modelReply {
	text = strings.TrimSpace(text)
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		var r modelReply
		if err := json.Unmarshal([]byte(text[start:end+1]), &r); err == nil {
			return r
		}
	}
	return modelReply{Summary: text}
}

func stateOutcome(st *digestState) (runner.Outcome, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return runner.Outcome{}, fmt.Errorf("encode digest state: %w", err)
	}
	return runner.Outcome{State: raw}, nil
}

type unitIterator struct {
	units []runner.Unit
}

func (it *unitIterator) Next(context.Context) (runner.Unit, bool, error) {
	if len(it.units) == 0 {
		return runner.Unit{}, false, nil
	}
	u := it.units[0]
	it.units = it.units[1:]
	return u, true, nil
}
