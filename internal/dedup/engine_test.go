package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpus-jobs/internal/hash/sha256"
	"github.com/JakeFAU/corpus-jobs/internal/storage/memory"
	"github.com/JakeFAU/corpus-jobs/internal/store"
)

func ptr[T any](v T) *T { return &v }

func newEngine(t *testing.T) (*Engine, *memory.CorpusStore) {
	t.Helper()
	corpus := memory.NewCorpusStore(nil)
	engine, err := NewEngine(corpus, sha256.New(16))
	require.NoError(t, err)
	return engine, corpus
}

func TestResolveCreatesThenMerges(t *testing.T) {
	t.Parallel()

	engine, corpus := newEngine(t)
	ctx := context.Background()

	first, err := engine.Resolve(ctx, Candidate{Item: store.Item{
		SourceSystem:   "reader",
		SourceNativeID: "doc-1",
		URL:            ptr("http://www.Example.com/post/"),
		Title:          ptr("Draft title"),
	}})
	require.NoError(t, err)
	require.Equal(t, Created, first.Outcome)

	stored, err := corpus.GetItem(ctx, first.ItemID)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/post", *stored.CanonicalURL)

	stored.Notes = ptr("my own note")
	require.NoError(t, corpus.UpdateItem(ctx, stored))

	second, err := engine.Resolve(ctx, Candidate{Item: store.Item{
		SourceSystem:   "reader",
		SourceNativeID: "doc-1",
		Title:          ptr("Final title"),
		Author:         ptr("Ada"),
		Notes:          ptr("upstream note"),
	}})
	require.NoError(t, err)
	require.Equal(t, Merged, second.Outcome)
	require.Equal(t, first.ItemID, second.ItemID)
	require.ElementsMatch(t, []Field{FieldTitle, FieldAuthor}, second.Changed)

	merged, err := corpus.GetItem(ctx, first.ItemID)
	require.NoError(t, err)
	require.Equal(t, "Final title", *merged.Title, "authoritative fields are overwritten")
	require.Equal(t, "Ada", *merged.Author, "null fields are filled")
	require.Equal(t, "my own note", *merged.Notes, "user edits survive")
	require.Equal(t, "http://www.Example.com/post/", *merged.URL, "missing candidate fields never clear data")
}

func TestResolveFallsBackToURLIdentity(t *testing.T) {
	t.Parallel()

	engine, _ := newEngine(t)
	ctx := context.Background()

	first, err := engine.Resolve(ctx, Candidate{Item: store.Item{
		SourceSystem: "web",
		URL:          ptr("https://example.com/a?utm=1"),
	}})
	require.NoError(t, err)
	require.Equal(t, Created, first.Outcome)

	second, err := engine.Resolve(ctx, Candidate{Item: store.Item{
		SourceSystem: "web",
		URL:          ptr("http://example.com/a/"),
		Title:        ptr("A"),
	}})
	require.NoError(t, err)
	require.Equal(t, Merged, second.Outcome)
	require.Equal(t, first.ItemID, second.ItemID)

	other, err := engine.Resolve(ctx, Candidate{Item: store.Item{
		SourceSystem: "reader",
		URL:          ptr("https://example.com/a"),
	}})
	require.NoError(t, err)
	require.Equal(t, Created, other.Outcome, "identity is scoped to the source system")

	_, err = engine.Resolve(ctx, Candidate{Item: store.Item{SourceSystem: "web"}})
	require.Error(t, err)
}

func TestResolveMergesByURLAcrossNativeIDs(t *testing.T) {
	t.Parallel()

	engine, _ := newEngine(t)
	ctx := context.Background()

	first, err := engine.Resolve(ctx, Candidate{Item: store.Item{
		SourceSystem: "reader", SourceNativeID: "a", URL: ptr("https://example.com/x"),
	}})
	require.NoError(t, err)
	second, err := engine.Resolve(ctx, Candidate{Item: store.Item{
		SourceSystem: "reader", SourceNativeID: "b", URL: ptr("https://www.example.com/x/"),
	}})
	require.NoError(t, err)
	require.Equal(t, first.ItemID, second.ItemID)
}

func TestMergeWithoutChangesKeepsUpdatedAt(t *testing.T) {
	t.Parallel()

	engine, corpus := newEngine(t)
	ctx := context.Background()
	cand := Candidate{Item: store.Item{SourceSystem: "reader", SourceNativeID: "doc", Title: ptr("T")}}

	res, err := engine.Resolve(ctx, cand)
	require.NoError(t, err)
	before, err := corpus.GetItem(ctx, res.ItemID)
	require.NoError(t, err)

	again, err := engine.Resolve(ctx, cand)
	require.NoError(t, err)
	require.Empty(t, again.Changed)
	after, err := corpus.GetItem(ctx, res.ItemID)
	require.NoError(t, err)
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestHighlightsDedupByNormalizedText(t *testing.T) {
	t.Parallel()

	engine, corpus := newEngine(t)
	ctx := context.Background()

	res, err := engine.Resolve(ctx, Candidate{
		Item: store.Item{SourceSystem: "reader", SourceNativeID: "doc"},
		Highlights: []store.Highlight{
			{ProviderID: "1", Text: "The  quick\nbrown fox"},
			{ProviderID: "2", Text: "   "},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.HighlightsAdded)

	res, err = engine.Resolve(ctx, Candidate{
		Item: store.Item{SourceSystem: "reader", SourceNativeID: "doc"},
		Highlights: []store.Highlight{
			{ProviderID: "1", Text: "The quick brown fox "},
			{ProviderID: "3", Text: "Another passage"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.HighlightsAdded)

	hls, err := corpus.ListHighlights(ctx, res.ItemID)
	require.NoError(t, err)
	require.Len(t, hls, 2)
	require.Len(t, hls[0].TextHash, 16)
}

func TestMergeItemPolicies(t *testing.T) {
	t.Parallel()

	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	later := when.Add(time.Hour)
	stored := store.Item{
		Title:   ptr("old"),
		SavedAt: &when,
		Tags:    []string{"mine"},
	}
	cand := store.Item{
		Title:    ptr("new"),
		SavedAt:  &later,
		Tags:     []string{"upstream"},
		Fulltext: ptr(""),
	}

	merged, changed := MergeItem(stored, cand, DefaultPolicies())
	require.Equal(t, []Field{FieldTitle}, changed)
	require.Equal(t, "new", *merged.Title)
	require.True(t, merged.SavedAt.Equal(when), "saved_at keeps the first value")
	require.Equal(t, []string{"mine"}, merged.Tags)
	require.Nil(t, merged.Fulltext, "empty strings count as absent")

	policies, err := Override(map[string]string{"title": "fill_null", "Tags": "authoritative"})
	require.NoError(t, err)
	merged, changed = MergeItem(stored, cand, policies)
	require.Equal(t, []Field{FieldTags}, changed)
	require.Equal(t, "old", *merged.Title)
	require.Equal(t, []string{"upstream"}, merged.Tags)
	require.Equal(t, []string{"mine"}, stored.Tags, "input is not mutated")

	_, err = Override(map[string]string{"nope": "fill_null"})
	require.Error(t, err)
	_, err = Override(map[string]string{"title": "sometimes"})
	require.Error(t, err)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                                 "",
		"  HTTP://WWW.Example.com/Path/  ": "https://example.com/path",
		"https://example.com/a?x=1#frag":   "https://example.com/a",
		"https://example.com/a;params":     "https://example.com/a",
		"https://blog.example.com/":        "https://blog.example.com",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeURL(in), "input %q", in)
	}
}

func TestNormalizeCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		category string
		url      string
		want     string
	}{
		{"article", "", "article"},
		{"Articles ", "", "article"},
		{"tweets", "https://x.com/a/status/1", "tweet"},
		{"podcasts", "", "podcast"},
		{"books", "", "book"},
		{"email", "", "email"},
		{"", "", DefaultCategory},
		{"article", "https://www.LinkedIn.com/posts/someone", "linkedin"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, NormalizeCategory(tt.category, tt.url), "%q %q", tt.category, tt.url)
	}
}

func TestReimportAcrossListingsIsStable(t *testing.T) {
	t.Parallel()

	engine, corpus := newEngine(t)
	ctx := context.Background()
	reader := Candidate{Item: store.Item{
		SourceSystem:   "reader",
		SourceNativeID: "doc-9",
		URL:            ptr("https://example.com/essay"),
		Category:       ptr("article"),
	}}
	export := Candidate{Item: store.Item{
		SourceSystem:   "reader",
		SourceNativeID: "4411",
		URL:            ptr("https://example.com/essay"),
		Category:       ptr("articles"),
	}}

	first, err := engine.Resolve(ctx, reader)
	require.NoError(t, err)
	for range 2 {
		res, err := engine.Resolve(ctx, export)
		require.NoError(t, err)
		require.Equal(t, first.ItemID, res.ItemID)
		require.Empty(t, res.Changed)

		res, err = engine.Resolve(ctx, reader)
		require.NoError(t, err)
		require.Empty(t, res.Changed)
	}

	stored, err := corpus.GetItem(ctx, first.ItemID)
	require.NoError(t, err)
	require.Equal(t, "article", *stored.Category)
}
