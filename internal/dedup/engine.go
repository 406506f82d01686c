// Package dedup resolves ingested content to a single stored item per
// identity key and merges newly observed fields into it.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

// Outcome reports whether Resolve created or merged an item.
type Outcome string

// Resolve outcomes.
const (
	Created Outcome = "created"
	Merged  Outcome = "merged"
)

// Candidate is one observation of an item. Item.SourceSystem is required;
// Item.SourceNativeID may be empty, in which case identity falls back to the
// normalized URL.
type Candidate struct {
	Item       store.Item
	Highlights []store.Highlight
}

// Resolution is the result of Resolve.
type Resolution struct {
	Outcome         Outcome
	ItemID          int64
	Changed         []Field
	HighlightsAdded int
}

// Hasher digests normalized highlight text.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Engine applies the field policy table against a corpus repository.
type Engine struct {
	repo     store.CorpusRepository
	policies Policies
	hasher   Hasher
	now      func() time.Time
	logger   *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPolicies replaces the default field policy table.
func WithPolicies(p Policies) Option {
	return func(e *Engine) {
		if p != nil {
			e.policies = p
		}
	}
}

// WithClock overrides the time source used for updated_at.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine builds an Engine. The hasher digests highlight text.
func NewEngine(repo store.CorpusRepository, hasher Hasher, opts ...Option) (*Engine, error) {
	if repo == nil {
		return nil, fmt.Errorf("corpus repository is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	e := &Engine{
		repo:     repo,
		policies: DefaultPolicies(),
		hasher:   hasher,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Policies returns the active field policy table.
func (e *Engine) Policies() Policies {
	return e.policies
}

// HighlightHash returns the identity hash of highlight text.
func (e *Engine) HighlightHash(text string) (string, error) {
	sum, err := e.hasher.Hash([]byte(NormalizeHighlightText(text)))
	if err != nil {
		return "", fmt.Errorf("hash highlight: %w", err)
	}
	return sum, nil
}

// Resolve stores the candidate as a new item or merges it into the item with
// the same identity key. Highlights are attached by text hash either way.
func (e *Engine) Resolve(ctx context.Context, c Candidate) (Resolution, error) {
	cand := c.Item
	if cand.SourceSystem == "" {
		return Resolution{}, fmt.Errorf("candidate source system is required")
	}
	canonical := ""
	if cand.URL != nil {
		canonical = NormalizeURL(*cand.URL)
	}
	if canonical != "" {
		cand.CanonicalURL = &canonical
	}
	if cand.Category != nil {
		var rawURL string
		if cand.URL != nil {
			rawURL = *cand.URL
		}
		category := NormalizeCategory(*cand.Category, rawURL)
		cand.Category = &category
	}
	if cand.SourceNativeID == "" {
		if canonical == "" {
			return Resolution{}, fmt.Errorf("candidate has neither a native id nor a url")
		}
		cand.SourceNativeID = "url:" + canonical
	}

	res, err := e.resolveItem(ctx, cand, canonical)
	if err != nil {
		return Resolution{}, err
	}
	if len(c.Highlights) > 0 {
		added, err := e.attachHighlights(ctx, res.ItemID, c.Highlights)
		if err != nil {
			return Resolution{}, err
		}
		res.HighlightsAdded = added
	}
	return res, nil
}

func (e *Engine) resolveItem(ctx context.Context, cand store.Item, canonical string) (Resolution, error) {
	existing, err := e.lookup(ctx, cand, canonical)
	switch {
	case err == nil:
		return e.merge(ctx, existing, cand)
	case !errors.Is(err, store.ErrNotFound):
		return Resolution{}, err
	}

	created, err := e.repo.InsertItem(ctx, cand)
	if errors.Is(err, store.ErrConflict) {
		// Lost a race with another writer of the same key.
		existing, lookupErr := e.lookup(ctx, cand, canonical)
		if lookupErr != nil {
			return Resolution{}, fmt.Errorf("reload conflicting item: %w", lookupErr)
		}
		return e.merge(ctx, existing, cand)
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("insert item: %w", err)
	}
	e.logger.Debug("item created",
		zap.Int64("item_id", created.ID),
		zap.String("source_system", created.SourceSystem),
		zap.String("native_id", created.SourceNativeID),
	)
	return Resolution{Outcome: Created, ItemID: created.ID}, nil
}

func (e *Engine) lookup(ctx context.Context, cand store.Item, canonical string) (store.Item, error) {
	item, err := e.repo.FindItemByNative(ctx, cand.SourceSystem, cand.SourceNativeID)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return item, wrapLookup(err)
	}
	if canonical == "" {
		return store.Item{}, store.ErrNotFound
	}
	item, err = e.repo.FindItemByURL(ctx, cand.SourceSystem, canonical)
	return item, wrapLookup(err)
}

func wrapLookup(err error) error {
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return err
	}
	return fmt.Errorf("lookup item: %w", err)
}

func (e *Engine) merge(ctx context.Context, stored, cand store.Item) (Resolution, error) {
	merged, changed := MergeItem(stored, cand, e.policies)
	if len(changed) > 0 {
		merged.UpdatedAt = e.now()
		if err := e.repo.UpdateItem(ctx, merged); err != nil {
			return Resolution{}, fmt.Errorf("update item %d: %w", stored.ID, err)
		}
	}
	return Resolution{Outcome: Merged, ItemID: stored.ID, Changed: changed}, nil
}

func (e *Engine) attachHighlights(ctx context.Context, itemID int64, highlights []store.Highlight) (int, error) {
	out := make([]store.Highlight, 0, len(highlights))
	for _, hl := range highlights {
		if NormalizeHighlightText(hl.Text) == "" {
			continue
		}
		if hl.TextHash == "" {
			sum, err := e.HighlightHash(hl.Text)
			if err != nil {
				return 0, err
			}
			hl.TextHash = sum
		}
		out = append(out, hl)
	}
	added, err := e.repo.AddHighlights(ctx, itemID, out)
	if err != nil {
		return 0, fmt.Errorf("add highlights: %w", err)
	}
	return added, nil
}

// MergeItem merges cand into stored under the policy table and returns the
// result with the fields that changed.
func MergeItem(stored, cand store.Item, policies Policies) (store.Item, []Field) {
	out := stored
	out.Tags = slices.Clone(stored.Tags)
	var changed []Field
	note := func(f Field, did bool) {
		if did {
			changed = append(changed, f)
		}
	}

	urlChanged := mergeString(&out.URL, cand.URL, policies.Of(FieldURL))
	note(FieldURL, urlChanged)
	if out.URL != nil && (urlChanged || out.CanonicalURL == nil) {
		if canonical := NormalizeURL(*out.URL); canonical != "" {
			out.CanonicalURL = &canonical
		}
	}
	note(FieldTitle, mergeString(&out.Title, cand.Title, policies.Of(FieldTitle)))
	note(FieldAuthor, mergeString(&out.Author, cand.Author, policies.Of(FieldAuthor)))
	note(FieldSummary, mergeString(&out.Summary, cand.Summary, policies.Of(FieldSummary)))
	note(FieldCategory, mergeString(&out.Category, cand.Category, policies.Of(FieldCategory)))
	note(FieldImageURL, mergeString(&out.ImageURL, cand.ImageURL, policies.Of(FieldImageURL)))
	note(FieldWordCount, mergePtr(&out.WordCount, cand.WordCount, policies.Of(FieldWordCount), eq[int64]))
	note(FieldPublishedAt, mergePtr(&out.PublishedAt, cand.PublishedAt, policies.Of(FieldPublishedAt), sameTime))
	note(FieldSavedAt, mergePtr(&out.SavedAt, cand.SavedAt, policies.Of(FieldSavedAt), sameTime))
	note(FieldFulltext, mergeString(&out.Fulltext, cand.Fulltext, policies.Of(FieldFulltext)))
	note(FieldFulltextHTML, mergeString(&out.FulltextHTML, cand.FulltextHTML, policies.Of(FieldFulltextHTML)))
	note(FieldFulltextSource, mergeString(&out.FulltextSource, cand.FulltextSource, policies.Of(FieldFulltextSource)))
	note(FieldNotes, mergeString(&out.Notes, cand.Notes, policies.Of(FieldNotes)))
	note(FieldTags, mergeTags(&out.Tags, cand.Tags, policies.Of(FieldTags)))
	return out, changed
}

func mergeString(stored **string, cand *string, policy Policy) bool {
	if cand != nil && *cand == "" {
		cand = nil
	}
	if *stored != nil && **stored == "" {
		*stored = nil
	}
	return mergePtr(stored, cand, policy, eq[string])
}

func mergePtr[T any](stored **T, cand *T, policy Policy, equal func(a, b T) bool) bool {
	if cand == nil {
		return false
	}
	if *stored == nil {
		v := *cand
		*stored = &v
		return true
	}
	if policy != Authoritative || equal(**stored, *cand) {
		return false
	}
	v := *cand
	*stored = &v
	return true
}

func mergeTags(stored *[]string, cand []string, policy Policy) bool {
	if len(cand) == 0 {
		return false
	}
	if len(*stored) == 0 || (policy == Authoritative && !slices.Equal(*stored, cand)) {
		*stored = slices.Clone(cand)
		return true
	}
	return false
}

func eq[T comparable](a, b T) bool { return a == b }

func sameTime(a, b time.Time) bool { return a.Equal(b) }
