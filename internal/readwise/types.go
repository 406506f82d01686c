package readwise

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// DocumentPage is one page of /v3/list/.
type DocumentPage struct {
	Count          *int64     `json:"count"`
	NextPageCursor string     `json:"nextPageCursor"`
	Results        []Document `json:"results"`
}

// Document is a saved reader document. Highlights and notes are documents
// too; they carry a ParentID.
type Document struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	SourceURL     string    `json:"source_url"`
	Title         string    `json:"title"`
	Author        string    `json:"author"`
	Summary       string    `json:"summary"`
	Category      string    `json:"category"`
	ImageURL      string    `json:"image_url"`
	HTMLContent   string    `json:"html_content"`
	WordCount     *int64    `json:"word_count"`
	ParentID      string    `json:"parent_id"`
	Notes         string    `json:"notes"`
	Tags          TagSet    `json:"tags"`
	PublishedDate Timestamp `json:"published_date"`
	SavedAt       Timestamp `json:"saved_at"`
	CreatedAt     Timestamp `json:"created_at"`
}

// Link returns the original URL of the document, falling back to the reader URL.
func (d Document) Link() string {
	if d.SourceURL != "" {
		return d.SourceURL
	}
	return d.URL
}

// BookPage is one page of /v2/export/.
type BookPage struct {
	Count          *int64 `json:"count"`
	NextPageCursor string `json:"nextPageCursor"`
	Results        []Book `json:"results"`
}

// Book is an exported source with its highlights.
type Book struct {
	UserBookID      int64           `json:"user_book_id"`
	Title           string          `json:"title"`
	Author          string          `json:"author"`
	Source          string          `json:"source"`
	SourceURL       string          `json:"source_url"`
	UniqueURL       string          `json:"unique_url"`
	Category        string          `json:"category"`
	Summary         string          `json:"summary"`
	CoverImageURL   string          `json:"cover_image_url"`
	Updated         Timestamp       `json:"updated"`
	LastHighlightAt Timestamp       `json:"last_highlight_at"`
	Highlights      []BookHighlight `json:"highlights"`
}

// Link returns the book's source URL, falling back to its unique URL.
func (b Book) Link() string {
	if b.SourceURL != "" {
		return b.SourceURL
	}
	return b.UniqueURL
}

// BookHighlight is one highlight of an exported book.
type BookHighlight struct {
	ID            int64     `json:"id"`
	BookID        int64     `json:"book_id"`
	Text          string    `json:"text"`
	Note          string    `json:"note"`
	HighlightedAt Timestamp `json:"highlighted_at"`
}

// Timestamp accepts RFC 3339 strings, plain dates and Unix milliseconds.
// The zero value means the field was absent or unparsable.
type Timestamp struct {
	time.Time
}

// Ptr returns nil for a zero timestamp.
func (t Timestamp) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("parse timestamp %s: %w", data, err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	t.Time = time.Time{}
	return nil
}

// TagSet decodes the reader's tag object, keyed by tag name, into names.
type TagSet []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *TagSet) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if data[0] == '[' {
		var names []string
		if err := json.Unmarshal(data, &names); err != nil {
			return err
		}
		*s = names
		return nil
	}
	var byName map[string]json.RawMessage
	if err := json.Unmarshal(data, &byName); err != nil {
		return err
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	*s = names
	return nil
}
