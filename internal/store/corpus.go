package store

import (
	"context"
	"time"
)

// Item is one content item of the corpus, unique per (SourceSystem, SourceNativeID).
type Item struct {
	ID             int64
	SourceSystem   string
	SourceNativeID string
	URL            *string
	CanonicalURL   *string
	Title          *string
	Author         *string
	Summary        *string
	Category       *string
	ImageURL       *string
	WordCount      *int64
	PublishedAt    *time.Time
	SavedAt        *time.Time
	Fulltext       *string
	FulltextHTML   *string
	FulltextSource *string
	// Notes and Tags are user edits and never written by imports.
	Notes     *string
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Highlight is a passage attached to an item, unique per (ItemID, TextHash).
type Highlight struct {
	ID            int64
	ItemID        int64
	ProviderID    string
	Text          string
	TextHash      string
	Note          *string
	HighlightedAt *time.Time
}

// Chunk is an embedded slice of an item's fulltext.
type Chunk struct {
	ID        int64
	ItemID    int64
	Index     int
	Text      string
	Tokens    int
	Embedding []float32
	Model     string
	CreatedAt time.Time
}

// Digest is the compiled output of a digest job.
type Digest struct {
	ID          int64
	JobID       string
	Title       string
	Summary     string
	Topics      []DigestTopic
	ArtifactURI string
	WindowStart time.Time
	WindowEnd   time.Time
	CreatedAt   time.Time
}

// DigestTopic is one clustered theme of a digest.
type DigestTopic struct {
	Name     string  `json:"name"`
	Summary  string  `json:"summary"`
	ChunkIDs []int64 `json:"chunk_ids"`
	ItemIDs  []int64 `json:"item_ids"`
}

// CorpusRepository persists content items and their derived chunks.
type CorpusRepository interface {
	// FindItemByNative returns the item for the native key or ErrNotFound.
	FindItemByNative(ctx context.Context, sourceSystem, nativeID string) (Item, error)
	// FindItemByURL returns the item for the canonical URL within a source or ErrNotFound.
	FindItemByURL(ctx context.Context, sourceSystem, canonicalURL string) (Item, error)
	// GetItem loads an item by ID or returns ErrNotFound.
	GetItem(ctx context.Context, id int64) (Item, error)
	// InsertItem stores a new item and returns it with ID and timestamps set.
	InsertItem(ctx context.Context, item Item) (Item, error)
	// UpdateItem overwrites the stored item with the same ID.
	UpdateItem(ctx context.Context, item Item) error
	// AddHighlights inserts highlights whose hash is new for the item.
	AddHighlights(ctx context.Context, itemID int64, highlights []Highlight) (int, error)
	// ListHighlights returns the item's highlights in insertion order.
	ListHighlights(ctx context.Context, itemID int64) ([]Highlight, error)

	// ListItemsMissingFulltext pages items without fulltext with ID > afterID.
	ListItemsMissingFulltext(ctx context.Context, afterID int64, limit int) ([]Item, error)
	// CountItemsMissingFulltext counts items without fulltext with ID > afterID.
	CountItemsMissingFulltext(ctx context.Context, afterID int64) (int64, error)
	// ListItemsMissingChunks pages items with fulltext and no chunks with ID > afterID.
	ListItemsMissingChunks(ctx context.Context, afterID int64, limit int) ([]Item, error)
	// CountItemsMissingChunks counts items with fulltext and no chunks with ID > afterID.
	CountItemsMissingChunks(ctx context.Context, afterID int64) (int64, error)
	// ReplaceChunks swaps the item's chunks atomically.
	ReplaceChunks(ctx context.Context, itemID int64, chunks []Chunk) error
	// ListChunksSince returns chunks of items saved at or after since, newest items first.
	ListChunksSince(ctx context.Context, since time.Time, limit int) ([]Chunk, error)
	// GetChunks loads chunks by ID, preserving the requested order.
	GetChunks(ctx context.Context, ids []int64) ([]Chunk, error)
	// SaveDigest stores a compiled digest and returns its ID.
	SaveDigest(ctx context.Context, digest Digest) (int64, error)
}
