package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

// CorpusStore implements store.CorpusRepository in memory.
type CorpusStore struct {
	mu         sync.RWMutex
	items      map[int64]store.Item
	highlights map[int64][]store.Highlight
	chunks     map[int64][]store.Chunk
	digests    []store.Digest
	nextItem   int64
	nextChunk  int64
	nextHL     int64
	now        func() time.Time
}

// NewCorpusStore constructs an empty CorpusStore. A nil clock defaults to UTC wall time.
func NewCorpusStore(now func() time.Time) *CorpusStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &CorpusStore{
		items:      make(map[int64]store.Item),
		highlights: make(map[int64][]store.Highlight),
		chunks:     make(map[int64][]store.Chunk),
		now:        now,
	}
}

// FindItemByNative looks up the unique native key.
func (s *CorpusStore) FindItemByNative(_ context.Context, sourceSystem, nativeID string) (store.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if item.SourceSystem == sourceSystem && item.SourceNativeID == nativeID {
			return cloneItem(item), nil
		}
	}
	return store.Item{}, store.ErrNotFound
}

// FindItemByURL looks up the canonical URL within a source.
func (s *CorpusStore) FindItemByURL(_ context.Context, sourceSystem, canonicalURL string) (store.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.sortedIDsLocked() {
		item := s.items[id]
		if item.SourceSystem == sourceSystem && item.CanonicalURL != nil && *item.CanonicalURL == canonicalURL {
			return cloneItem(item), nil
		}
	}
	return store.Item{}, store.ErrNotFound
}

// GetItem loads an item by ID.
func (s *CorpusStore) GetItem(_ context.Context, id int64) (store.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return store.Item{}, store.ErrNotFound
	}
	return cloneItem(item), nil
}

// InsertItem stores a new item, enforcing the native key uniqueness.
func (s *CorpusStore) InsertItem(_ context.Context, item store.Item) (store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.items {
		if existing.SourceSystem == item.SourceSystem && existing.SourceNativeID == item.SourceNativeID {
			return store.Item{}, store.ErrConflict
		}
	}
	s.nextItem++
	now := s.now()
	item = cloneItem(item)
	item.ID = s.nextItem
	item.CreatedAt = now
	item.UpdatedAt = now
	s.items[item.ID] = item
	return cloneItem(item), nil
}

// UpdateItem replaces the stored item.
func (s *CorpusStore) UpdateItem(_ context.Context, item store.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return store.ErrNotFound
	}
	s.items[item.ID] = cloneItem(item)
	return nil
}

// AddHighlights inserts highlights with unseen hashes.
func (s *CorpusStore) AddHighlights(_ context.Context, itemID int64, highlights []store.Highlight) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[itemID]; !ok {
		return 0, store.ErrNotFound
	}
	seen := make(map[string]struct{}, len(s.highlights[itemID]))
	for _, hl := range s.highlights[itemID] {
		seen[hl.TextHash] = struct{}{}
	}
	added := 0
	for _, hl := range highlights {
		if _, dup := seen[hl.TextHash]; dup {
			continue
		}
		seen[hl.TextHash] = struct{}{}
		s.nextHL++
		hl.ID = s.nextHL
		hl.ItemID = itemID
		s.highlights[itemID] = append(s.highlights[itemID], hl)
		added++
	}
	return added, nil
}

// ListHighlights returns a copy of the item's highlights.
func (s *CorpusStore) ListHighlights(_ context.Context, itemID int64) ([]store.Highlight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.Highlight(nil), s.highlights[itemID]...), nil
}

// ListItemsMissingFulltext pages items lacking fulltext.
func (s *CorpusStore) ListItemsMissingFulltext(_ context.Context, afterID int64, limit int) ([]store.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pageLocked(afterID, limit, s.missingFulltextLocked), nil
}

// CountItemsMissingFulltext counts items lacking fulltext.
func (s *CorpusStore) CountItemsMissingFulltext(_ context.Context, afterID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.pageLocked(afterID, 0, s.missingFulltextLocked))), nil
}

// ListItemsMissingChunks pages items with fulltext and no chunks.
func (s *CorpusStore) ListItemsMissingChunks(_ context.Context, afterID int64, limit int) ([]store.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pageLocked(afterID, limit, s.missingChunksLocked), nil
}

// CountItemsMissingChunks counts items with fulltext and no chunks.
func (s *CorpusStore) CountItemsMissingChunks(_ context.Context, afterID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.pageLocked(afterID, 0, s.missingChunksLocked))), nil
}

// ReplaceChunks swaps the item's chunks.
func (s *CorpusStore) ReplaceChunks(_ context.Context, itemID int64, chunks []store.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[itemID]; !ok {
		return store.ErrNotFound
	}
	now := s.now()
	out := make([]store.Chunk, 0, len(chunks))
	for _, c := range chunks {
		s.nextChunk++
		c.ID = s.nextChunk
		c.ItemID = itemID
		c.CreatedAt = now
		c.Embedding = append([]float32(nil), c.Embedding...)
		out = append(out, c)
	}
	s.chunks[itemID] = out
	return nil
}

// ListChunksSince returns chunks of recently saved items.
func (s *CorpusStore) ListChunksSince(_ context.Context, since time.Time, limit int) ([]store.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.sortedIDsLocked()
	sort.SliceStable(ids, func(i, j int) bool {
		return savedAt(s.items[ids[i]]).After(savedAt(s.items[ids[j]]))
	})
	var out []store.Chunk
	for _, id := range ids {
		if savedAt(s.items[id]).Before(since) {
			continue
		}
		for _, c := range s.chunks[id] {
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			out = append(out, cloneChunk(c))
		}
	}
	return out, nil
}

// GetChunks loads chunks by ID in request order; unknown IDs are skipped.
func (s *CorpusStore) GetChunks(_ context.Context, ids []int64) ([]store.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	index := make(map[int64]store.Chunk)
	for _, chunks := range s.chunks {
		for _, c := range chunks {
			index[c.ID] = c
		}
	}
	out := make([]store.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := index[id]; ok {
			out = append(out, cloneChunk(c))
		}
	}
	return out, nil
}

// SaveDigest appends a digest.
func (s *CorpusStore) SaveDigest(_ context.Context, digest store.Digest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	digest.ID = int64(len(s.digests) + 1)
	if digest.CreatedAt.IsZero() {
		digest.CreatedAt = s.now()
	}
	s.digests = append(s.digests, digest)
	return digest.ID, nil
}

// Digests returns the stored digests.
func (s *CorpusStore) Digests() []store.Digest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.Digest(nil), s.digests...)
}

func (s *CorpusStore) missingFulltextLocked(item store.Item) bool {
	return item.Fulltext == nil || *item.Fulltext == ""
}

func (s *CorpusStore) missingChunksLocked(item store.Item) bool {
	return !s.missingFulltextLocked(item) && len(s.chunks[item.ID]) == 0
}

func (s *CorpusStore) pageLocked(afterID int64, limit int, keep func(store.Item) bool) []store.Item {
	var out []store.Item
	for _, id := range s.sortedIDsLocked() {
		if id <= afterID || !keep(s.items[id]) {
			continue
		}
		out = append(out, cloneItem(s.items[id]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *CorpusStore) sortedIDsLocked() []int64 {
	ids := make([]int64, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func savedAt(item store.Item) time.Time {
	if item.SavedAt != nil {
		return *item.SavedAt
	}
	return item.CreatedAt
}

func cloneItem(item store.Item) store.Item {
	out := item
	out.Tags = append([]string(nil), item.Tags...)
	return out
}

func cloneChunk(c store.Chunk) store.Chunk {
	out := c
	out.Embedding = append([]float32(nil), c.Embedding...)
	return out
}
