package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/JakeFAU/corpus-jobs/internal/dedup"
	"github.com/JakeFAU/corpus-jobs/internal/fetcher"
	"github.com/JakeFAU/corpus-jobs/internal/runner"
	"github.com/JakeFAU/corpus-jobs/internal/store"
)

const (
	// PhaseFetch is the only phase of the fetch job.
	PhaseFetch = "fetch"

	// FulltextSourceWeb marks fulltext retrieved from the item URL.
	FulltextSourceWeb = "web"

	defaultPageSize = 100
)

// ContentFetcher retrieves the readable text of a URL.
type ContentFetcher interface {
	Fetch(ctx context.Context, url string) (fetcher.Result, error)
}

// Fetch fills in the fulltext of items that were imported without one.
type Fetch struct {
	corpus   store.CorpusRepository
	fetcher  ContentFetcher
	pageSize int
}

// NewFetch builds the fetch strategy.
func NewFetch(corpus store.CorpusRepository, f ContentFetcher) (*Fetch, error) {
	if corpus == nil || f == nil {
		return nil, fmt.Errorf("corpus and fetcher are required")
	}
	return &Fetch{corpus: corpus, fetcher: f, pageSize: defaultPageSize}, nil
}

// Phases implements runner.Strategy.
func (s *Fetch) Phases() []runner.Phase {
	return []runner.Phase{{Name: PhaseFetch, Resumable: true}}
}

// Count implements runner.Counter.
func (s *Fetch) Count(ctx context.Context, _ json.RawMessage) (int64, error) {
	return s.corpus.CountItemsMissingFulltext(ctx, 0)
}

// Open implements runner.Strategy. The position is the ID of the last
// consumed item.
func (s *Fetch) Open(ctx context.Context, env *runner.Env) (runner.Iterator, error) {
	after, err := parseItemPosition(env.Position)
	if err != nil {
		return nil, err
	}
	if env.Fresh() {
		n, err := s.corpus.CountItemsMissingFulltext(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("count items without fulltext: %w", err)
		}
		env.AddTotal(n)
	}
	return &itemIterator{
		after:    after,
		pageSize: s.pageSize,
		list:     s.corpus.ListItemsMissingFulltext,
		unit:     s.unit,
	}, nil
}

func (s *Fetch) unit(item store.Item) runner.Unit {
	u := runner.Unit{
		Position: strconv.FormatInt(item.ID, 10),
		Label:    itemLabel(item),
	}
	if item.URL == nil || *item.URL == "" {
		u.Do = func(context.Context) (runner.Outcome, error) {
			return runner.Outcome{ItemID: item.ID, Skipped: true}, nil
		}
		return u
	}
	url := *item.URL
	u.Target = fetcher.Domain(url)
	u.Do = func(ctx context.Context) (runner.Outcome, error) {
		res, err := s.fetcher.Fetch(ctx, url)
		if err != nil {
			return runner.Outcome{}, err
		}
		source := FulltextSourceWeb
		text := res.Text
		cand := dedup.Candidate{Item: store.Item{
			SourceSystem:   item.SourceSystem,
			SourceNativeID: item.SourceNativeID,
			URL:            item.URL,
			Fulltext:       &text,
			FulltextHTML:   optional(res.HTML),
			FulltextSource: &source,
		}}
		return runner.Outcome{Candidate: &cand}, nil
	}
	return u
}

// itemIterator pages corpus items in ID order after a position.
type itemIterator struct {
	after    int64
	pageSize int
	list     func(ctx context.Context, afterID int64, limit int) ([]store.Item, error)
	unit     func(item store.Item) runner.Unit

	buf  []store.Item
	done bool
}

func (it *itemIterator) Next(ctx context.Context) (runner.Unit, bool, error) {
	if len(it.buf) == 0 && !it.done {
		items, err := it.list(ctx, it.after, it.pageSize)
		if err != nil {
			return runner.Unit{}, false, fmt.Errorf("list items after %d: %w", it.after, err)
		}
		it.buf = items
		it.done = len(items) < it.pageSize
	}
	if len(it.buf) == 0 {
		return runner.Unit{}, false, nil
	}
	item := it.buf[0]
	it.buf = it.buf[1:]
	it.after = item.ID
	return it.unit(item), true, nil
}

func parseItemPosition(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode item position %q: %w", raw, err)
	}
	return id, nil
}

func itemLabel(item store.Item) string {
	var title, url string
	if item.Title != nil {
		title = *item.Title
	}
	if item.URL != nil {
		url = *item.URL
	}
	return labelOf(title, url, strconv.FormatInt(item.ID, 10))
}
