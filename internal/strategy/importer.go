// Package strategy implements the job types driven by the runner: import from
// the reading service, fulltext fetch, chunk embedding and digest compilation.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-jobs/internal/dedup"
	"github.com/JakeFAU/corpus-jobs/internal/fetcher"
	"github.com/JakeFAU/corpus-jobs/internal/readwise"
	"github.com/JakeFAU/corpus-jobs/internal/runner"
	"github.com/JakeFAU/corpus-jobs/internal/store"
)

// Import phases.
const (
	PhaseReader = "reader"
	PhaseExport = "export"

	// SourceReader is the source system of reader documents.
	SourceReader = "reader"
	// SourceExport is used for exported books without a source of their own.
	SourceExport = "export"

	readerTarget = "readwise.io"
)

// ReaderSource pages the reading service APIs.
type ReaderSource interface {
	ListDocuments(ctx context.Context, cursor string) (readwise.DocumentPage, error)
	ExportBooks(ctx context.Context, cursor string) (readwise.BookPage, error)
}

// Import copies the reader library and the highlight export into the corpus.
type Import struct {
	source ReaderSource
}

// NewImport builds the import strategy.
func NewImport(source ReaderSource) (*Import, error) {
	if source == nil {
		return nil, fmt.Errorf("reader source is required")
	}
	return &Import{source: source}, nil
}

// Phases implements runner.Strategy.
func (s *Import) Phases() []runner.Phase {
	return []runner.Phase{
		{Name: PhaseReader, Resumable: true},
		{Name: PhaseExport, Resumable: true},
	}
}

// Open implements runner.Strategy.
func (s *Import) Open(_ context.Context, env *runner.Env) (runner.Iterator, error) {
	pos, err := parsePagePosition(env.Position)
	if err != nil {
		return nil, err
	}
	it := &pageIterator{env: env, pos: pos, fresh: env.Fresh()}
	switch env.Phase.Name {
	case PhaseReader:
		it.load = s.readerPage
	case PhaseExport:
		it.load = s.exportPage
	default:
		return nil, fmt.Errorf("import has no phase %q", env.Phase.Name)
	}
	return it, nil
}

// pagePosition addresses the next entry of a paged listing: the cursor the
// page was requested with and how many of its entries were consumed.
type pagePosition struct {
	Cursor string `json:"cursor,omitempty"`
	Offset int    `json:"offset"`
}

func parsePagePosition(raw string) (pagePosition, error) {
	var pos pagePosition
	if raw == "" {
		return pos, nil
	}
	if err := json.Unmarshal([]byte(raw), &pos); err != nil {
		return pagePosition{}, fmt.Errorf("decode page position: %w", err)
	}
	return pos, nil
}

func (p pagePosition) String() string {
	raw, _ := json.Marshal(p)
	return string(raw)
}

// page is one fetched listing page reduced to units.
type page struct {
	count   *int64
	next    string
	entries []pageEntry
}

type pageEntry struct {
	label     string
	candidate *dedup.Candidate
}

type pageIterator struct {
	env   *runner.Env
	load  func(ctx context.Context, cursor string) (page, error)
	pos   pagePosition
	fresh bool

	current *page
}

func (it *pageIterator) Next(ctx context.Context) (runner.Unit, bool, error) {
	for {
		if it.current == nil {
			if err := it.fetch(ctx, it.pos.Cursor); err != nil {
				return runner.Unit{}, false, err
			}
		}
		for it.pos.Offset < len(it.current.entries) {
			entry := it.current.entries[it.pos.Offset]
			it.pos.Offset++
			if entry.candidate == nil {
				continue
			}
			cand := entry.candidate
			return runner.Unit{
				Position: it.pos.String(),
				Label:    entry.label,
				Do: func(context.Context) (runner.Outcome, error) {
					return runner.Outcome{Candidate: cand}, nil
				},
			}, true, nil
		}
		if it.current.next == "" {
			return runner.Unit{}, false, nil
		}
		it.pos = pagePosition{Cursor: it.current.next}
		it.current = nil
	}
}

func (it *pageIterator) fetch(ctx context.Context, cursor string) error {
	var p page
	err := it.env.Call(ctx, readerTarget, func(ctx context.Context) error {
		var err error
		p, err = it.load(ctx, cursor)
		return err
	})
	if err != nil {
		return fmt.Errorf("list %s page: %w", it.env.Phase.Name, err)
	}
	if it.fresh && p.count != nil {
		it.env.AddTotal(*p.count)
		it.fresh = false
	}
	it.env.Logger.Debug("listing page loaded",
		zap.String("cursor", cursor),
		zap.Int("entries", len(p.entries)),
		zap.Bool("last", p.next == ""),
	)
	it.current = &p
	return nil
}

func (s *Import) readerPage(ctx context.Context, cursor string) (page, error) {
	res, err := s.source.ListDocuments(ctx, cursor)
	if err != nil {
		return page{}, err
	}
	p := page{count: res.Count, next: res.NextPageCursor, entries: make([]pageEntry, 0, len(res.Results))}
	for _, doc := range res.Results {
		// Highlights and notes are listed as child documents.
		if doc.ParentID != "" {
			p.entries = append(p.entries, pageEntry{})
			continue
		}
		cand := documentCandidate(doc)
		p.entries = append(p.entries, pageEntry{label: labelOf(doc.Title, doc.Link(), doc.ID), candidate: &cand})
	}
	return p, nil
}

func (s *Import) exportPage(ctx context.Context, cursor string) (page, error) {
	res, err := s.source.ExportBooks(ctx, cursor)
	if err != nil {
		return page{}, err
	}
	p := page{count: res.Count, next: res.NextPageCursor, entries: make([]pageEntry, 0, len(res.Results))}
	for _, book := range res.Results {
		cand := bookCandidate(book)
		p.entries = append(p.entries, pageEntry{
			label:     labelOf(book.Title, book.Link(), strconv.FormatInt(book.UserBookID, 10)),
			candidate: &cand,
		})
	}
	return p, nil
}

func documentCandidate(doc readwise.Document) dedup.Candidate {
	item := store.Item{
		SourceSystem:   SourceReader,
		SourceNativeID: doc.ID,
		URL:            optional(doc.Link()),
		Title:          optional(doc.Title),
		Author:         optional(doc.Author),
		Summary:        optional(doc.Summary),
		Category:       optional(dedup.NormalizeCategory(doc.Category, doc.Link())),
		ImageURL:       optional(doc.ImageURL),
		WordCount:      doc.WordCount,
		PublishedAt:    doc.PublishedDate.Ptr(),
		SavedAt:        firstTime(doc.SavedAt, doc.CreatedAt),
		Notes:          optional(doc.Notes),
		Tags:           doc.Tags,
	}
	if html := strings.TrimSpace(doc.HTMLContent); html != "" {
		item.FulltextHTML = &html
		if extracted, err := fetcher.Extract([]byte(html)); err == nil && extracted.Text != "" {
			item.Fulltext = &extracted.Text
			item.FulltextSource = optional(SourceReader)
		}
	}
	return dedup.Candidate{Item: item}
}

func bookCandidate(book readwise.Book) dedup.Candidate {
	source := strings.ToLower(strings.TrimSpace(book.Source))
	if source == "" {
		source = SourceExport
	}
	item := store.Item{
		SourceSystem:   source,
		SourceNativeID: strconv.FormatInt(book.UserBookID, 10),
		URL:            optional(book.Link()),
		Title:          optional(book.Title),
		Author:         optional(book.Author),
		Summary:        optional(book.Summary),
		Category:       optional(dedup.NormalizeCategory(book.Category, book.Link())),
		ImageURL:       optional(book.CoverImageURL),
		SavedAt:        firstTime(book.LastHighlightAt, book.Updated),
	}
	highlights := make([]store.Highlight, 0, len(book.Highlights))
	for _, h := range book.Highlights {
		highlights = append(highlights, store.Highlight{
			ProviderID:    strconv.FormatInt(h.ID, 10),
			Text:          h.Text,
			Note:          optional(h.Note),
			HighlightedAt: h.HighlightedAt.Ptr(),
		})
	}
	return dedup.Candidate{Item: item, Highlights: highlights}
}
