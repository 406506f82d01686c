package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

const itemColumns = `id, source_system, source_native_id, url, canonical_url, title, author, summary,
	category, image_url, word_count, published_at, saved_at, fulltext, fulltext_html, fulltext_source,
	notes, tags, created_at, updated_at`

// CorpusStore implements store.CorpusRepository on SQLite.
type CorpusStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewCorpusStore wraps an opened database. A nil clock defaults to UTC wall time.
func NewCorpusStore(db *sql.DB, now func() time.Time) (*CorpusStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &CorpusStore{db: db, now: now}, nil
}

// FindItemByNative looks up the unique native key.
func (s *CorpusStore) FindItemByNative(ctx context.Context, sourceSystem, nativeID string) (store.Item, error) {
	return s.oneItem(ctx, `SELECT `+itemColumns+` FROM items WHERE source_system = ? AND source_native_id = ?`,
		sourceSystem, nativeID)
}

// FindItemByURL looks up the oldest item with the canonical URL within a source.
func (s *CorpusStore) FindItemByURL(ctx context.Context, sourceSystem, canonicalURL string) (store.Item, error) {
	return s.oneItem(ctx, `SELECT `+itemColumns+` FROM items WHERE source_system = ? AND canonical_url = ?
		ORDER BY id LIMIT 1`, sourceSystem, canonicalURL)
}

// GetItem loads an item by ID.
func (s *CorpusStore) GetItem(ctx context.Context, id int64) (store.Item, error) {
	return s.oneItem(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
}

// InsertItem stores a new item.
func (s *CorpusStore) InsertItem(ctx context.Context, item store.Item) (store.Item, error) {
	now := s.now()
	tags, err := encodeTags(item.Tags)
	if err != nil {
		return store.Item{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO items (source_system, source_native_id, url, canonical_url, title, author, summary,
			category, image_url, word_count, published_at, saved_at, fulltext, fulltext_html, fulltext_source,
			notes, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.SourceSystem, item.SourceNativeID, item.URL, item.CanonicalURL, item.Title, item.Author,
		item.Summary, item.Category, item.ImageURL, item.WordCount, nullTime(item.PublishedAt),
		nullTime(item.SavedAt), item.Fulltext, item.FulltextHTML, item.FulltextSource, item.Notes, tags,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Item{}, store.ErrConflict
		}
		return store.Item{}, fmt.Errorf("insert item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return store.Item{}, fmt.Errorf("read item id: %w", err)
	}
	item.ID = id
	item.CreatedAt = now.UTC()
	item.UpdatedAt = now.UTC()
	return item, nil
}

// UpdateItem overwrites every mutable column of the item.
func (s *CorpusStore) UpdateItem(ctx context.Context, item store.Item) error {
	tags, err := encodeTags(item.Tags)
	if err != nil {
		return err
	}
	updatedAt := item.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET url = ?, canonical_url = ?, title = ?, author = ?, summary = ?, category = ?,
			image_url = ?, word_count = ?, published_at = ?, saved_at = ?, fulltext = ?, fulltext_html = ?,
			fulltext_source = ?, notes = ?, tags = ?, updated_at = ?
		WHERE id = ?`,
		item.URL, item.CanonicalURL, item.Title, item.Author, item.Summary, item.Category, item.ImageURL,
		item.WordCount, nullTime(item.PublishedAt), nullTime(item.SavedAt), item.Fulltext,
		item.FulltextHTML, item.FulltextSource, item.Notes, tags, formatTime(updatedAt), item.ID,
	)
	if err != nil {
		return fmt.Errorf("update item %d: %w", item.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update item %d: %w", item.ID, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddHighlights inserts highlights whose hash is new for the item.
func (s *CorpusStore) AddHighlights(ctx context.Context, itemID int64, highlights []store.Highlight) (int, error) {
	if _, err := s.GetItem(ctx, itemID); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin highlights: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	added := 0
	for _, hl := range highlights {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO highlights (item_id, provider_id, text, text_hash, note, highlighted_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(item_id, text_hash) DO NOTHING`,
			itemID, hl.ProviderID, hl.Text, hl.TextHash, hl.Note, nullTime(hl.HighlightedAt),
		)
		if err != nil {
			return 0, fmt.Errorf("insert highlight: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("insert highlight: %w", err)
		}
		added += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit highlights: %w", err)
	}
	return added, nil
}

// ListHighlights returns the item's highlights in insertion order.
func (s *CorpusStore) ListHighlights(ctx context.Context, itemID int64) ([]store.Highlight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, provider_id, text, text_hash, note, highlighted_at
		FROM highlights WHERE item_id = ? ORDER BY id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list highlights: %w", err)
	}
	defer rows.Close()
	var out []store.Highlight
	for rows.Next() {
		var (
			hl         store.Highlight
			providerID sql.NullString
			note       sql.NullString
			at         sql.NullString
		)
		if err := rows.Scan(&hl.ID, &hl.ItemID, &providerID, &hl.Text, &hl.TextHash, &note, &at); err != nil {
			return nil, fmt.Errorf("scan highlight: %w", err)
		}
		hl.ProviderID = providerID.String
		hl.Note = nullString(note)
		if hl.HighlightedAt, err = parseNullTime(at); err != nil {
			return nil, err
		}
		out = append(out, hl)
	}
	return out, rows.Err()
}

const (
	missingFulltext = `(fulltext IS NULL OR fulltext = '')`
	missingChunks   = `(fulltext IS NOT NULL AND fulltext <> '' AND NOT EXISTS (SELECT 1 FROM chunks c WHERE c.item_id = items.id))`
)

// ListItemsMissingFulltext pages items lacking fulltext.
func (s *CorpusStore) ListItemsMissingFulltext(ctx context.Context, afterID int64, limit int) ([]store.Item, error) {
	return s.pageItems(ctx, missingFulltext, afterID, limit)
}

// CountItemsMissingFulltext counts items lacking fulltext.
func (s *CorpusStore) CountItemsMissingFulltext(ctx context.Context, afterID int64) (int64, error) {
	return s.countItems(ctx, missingFulltext, afterID)
}

// ListItemsMissingChunks pages items with fulltext and no chunks.
func (s *CorpusStore) ListItemsMissingChunks(ctx context.Context, afterID int64, limit int) ([]store.Item, error) {
	return s.pageItems(ctx, missingChunks, afterID, limit)
}

// CountItemsMissingChunks counts items with fulltext and no chunks.
func (s *CorpusStore) CountItemsMissingChunks(ctx context.Context, afterID int64) (int64, error) {
	return s.countItems(ctx, missingChunks, afterID)
}

// ReplaceChunks deletes and reinserts the item's chunks in one transaction.
func (s *CorpusStore) ReplaceChunks(ctx context.Context, itemID int64, chunks []store.Chunk) error {
	if _, err := s.GetItem(ctx, itemID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunks: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	now := formatTime(s.now())
	for _, c := range chunks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (item_id, idx, text, tokens, embedding, model, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			itemID, c.Index, c.Text, c.Tokens, encodeEmbedding(c.Embedding), c.Model, now,
		)
		if err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunks: %w", err)
	}
	return nil
}

// ListChunksSince returns chunks of items saved at or after since, newest items first.
func (s *CorpusStore) ListChunksSince(ctx context.Context, since time.Time, limit int) ([]store.Chunk, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.item_id, c.idx, c.text, c.tokens, c.embedding, c.model, c.created_at
		FROM chunks c JOIN items i ON i.id = c.item_id
		WHERE COALESCE(i.saved_at, i.created_at) >= ?
		ORDER BY COALESCE(i.saved_at, i.created_at) DESC, i.id, c.idx
		LIMIT ?`, formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return collectChunks(rows)
}

// GetChunks loads chunks by ID in request order; unknown IDs are skipped.
func (s *CorpusStore) GetChunks(ctx context.Context, ids []int64) ([]store.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, idx, text, tokens, embedding, model, created_at
		FROM chunks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	found, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]store.Chunk, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	out := make([]store.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// SaveDigest stores a compiled digest.
func (s *CorpusStore) SaveDigest(ctx context.Context, digest store.Digest) (int64, error) {
	topics, err := json.Marshal(digest.Topics)
	if err != nil {
		return 0, fmt.Errorf("marshal topics: %w", err)
	}
	createdAt := digest.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO digests (job_id, title, summary, topics, artifact_uri, window_start, window_end, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		digest.JobID, digest.Title, digest.Summary, string(topics), digest.ArtifactURI,
		formatTime(digest.WindowStart), formatTime(digest.WindowEnd), formatTime(createdAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert digest: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read digest id: %w", err)
	}
	return id, nil
}

func (s *CorpusStore) oneItem(ctx context.Context, query string, args ...any) (store.Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Item{}, store.ErrNotFound
		}
		return store.Item{}, fmt.Errorf("query item: %w", err)
	}
	return item, nil
}

func (s *CorpusStore) pageItems(ctx context.Context, filter string, afterID int64, limit int) ([]store.Item, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items
		WHERE id > ? AND `+filter+` ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("page items: %w", err)
	}
	defer rows.Close()
	var out []store.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *CorpusStore) countItems(ctx context.Context, filter string, afterID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE id > ? AND `+filter, afterID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

func scanItem(row rowScanner) (store.Item, error) {
	var (
		item                                                 store.Item
		url, canonical, title, author, summary, category     sql.NullString
		imageURL, fulltext, fulltextHTML, fulltextSrc, notes sql.NullString
		tags, publishedAt, savedAt                           sql.NullString
		wordCount                                            sql.NullInt64
		createdAt, updatedAt                                 string
	)
	err := row.Scan(
		&item.ID, &item.SourceSystem, &item.SourceNativeID, &url, &canonical, &title, &author, &summary,
		&category, &imageURL, &wordCount, &publishedAt, &savedAt, &fulltext, &fulltextHTML, &fulltextSrc,
		&notes, &tags, &createdAt, &updatedAt,
	)
	if err != nil {
		return store.Item{}, err
	}
	item.URL = nullString(url)
	item.CanonicalURL = nullString(canonical)
	item.Title = nullString(title)
	item.Author = nullString(author)
	item.Summary = nullString(summary)
	item.Category = nullString(category)
	item.ImageURL = nullString(imageURL)
	item.WordCount = nullInt(wordCount)
	item.Fulltext = nullString(fulltext)
	item.FulltextHTML = nullString(fulltextHTML)
	item.FulltextSource = nullString(fulltextSrc)
	item.Notes = nullString(notes)
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &item.Tags); err != nil {
			return store.Item{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	if item.PublishedAt, err = parseNullTime(publishedAt); err != nil {
		return store.Item{}, err
	}
	if item.SavedAt, err = parseNullTime(savedAt); err != nil {
		return store.Item{}, err
	}
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return store.Item{}, err
	}
	if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return store.Item{}, err
	}
	return item, nil
}

func collectChunks(rows *sql.Rows) ([]store.Chunk, error) {
	defer rows.Close()
	var out []store.Chunk
	for rows.Next() {
		var (
			c         store.Chunk
			embedding []byte
			model     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.ItemID, &c.Index, &c.Text, &c.Tokens, &embedding, &model, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Embedding = decodeEmbedding(embedding)
		c.Model = model.String
		var err error
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func encodeTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	return string(raw), nil
}

// encodeEmbedding packs the vector as little-endian float32s.
func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}
