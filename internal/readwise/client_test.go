package readwise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpus-jobs/internal/retry"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{Token: "secret", BaseURL: srv.URL + "/"}, nil)
	require.NoError(t, err)
	return c
}

func TestListDocumentsPaging(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v3/list/", r.URL.Path)
		require.Equal(t, "Token secret", r.Header.Get("Authorization"))
		require.Equal(t, "true", r.URL.Query().Get("withHtmlContent"))
		switch r.URL.Query().Get("pageCursor") {
		case "":
			_, _ = fmt.Fprint(w, `{"count": 3, "nextPageCursor": "p2", "results": [
				{"id": "a", "source_url": "https://example.com/a", "title": "A",
				 "word_count": 120, "published_date": 1700000000000,
				 "saved_at": "2024-03-01T10:00:00Z", "tags": {"go": {}, "ai": {}}},
				{"id": "h", "parent_id": "a", "content": "quoted"}
			]}`)
		case "p2":
			_, _ = fmt.Fprint(w, `{"count": 3, "nextPageCursor": null, "results": [
				{"id": "b", "url": "https://read.readwise.io/b", "published_date": "2023-12-24"}
			]}`)
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("pageCursor"))
		}
	})

	first, err := c.ListDocuments(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, int64(3), *first.Count)
	require.Equal(t, "p2", first.NextPageCursor)
	require.Len(t, first.Results, 2)
	doc := first.Results[0]
	require.Equal(t, "https://example.com/a", doc.Link())
	require.Equal(t, int64(120), *doc.WordCount)
	require.Equal(t, time.UnixMilli(1700000000000).UTC(), doc.PublishedDate.Time)
	require.Equal(t, 2024, doc.SavedAt.Year())
	require.Equal(t, TagSet{"ai", "go"}, doc.Tags)
	require.Equal(t, "a", first.Results[1].ParentID)

	second, err := c.ListDocuments(context.Background(), "p2")
	require.NoError(t, err)
	require.Empty(t, second.NextPageCursor)
	require.Equal(t, "https://read.readwise.io/b", second.Results[0].Link())
	require.Equal(t, time.December, second.Results[0].PublishedDate.Month())
	require.Nil(t, second.Results[0].SavedAt.Ptr())
}

func TestExportBooks(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/export/", r.URL.Path)
		require.Equal(t, "c1", r.URL.Query().Get("pageCursor"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"count": 1,
			"results": []map[string]any{{
				"user_book_id": 77,
				"title":        "Book",
				"source":       "kindle",
				"unique_url":   "https://example.com/book",
				"highlights": []map[string]any{
					{"id": 1, "book_id": 77, "text": "passage", "highlighted_at": "2024-01-01T00:00:00Z"},
				},
			}},
		})
	})

	page, err := c.ExportBooks(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	book := page.Results[0]
	require.Equal(t, int64(77), book.UserBookID)
	require.Equal(t, "https://example.com/book", book.Link())
	require.Len(t, book.Highlights, 1)
	require.NotNil(t, book.Highlights[0].HighlightedAt.Ptr())
}

func TestErrorsCarryRetryClass(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		class  retry.Class
		wait   time.Duration
	}{
		{http.StatusUnauthorized, retry.ClassQuota, 0},
		{http.StatusTooManyRequests, retry.ClassRateLimited, 3 * time.Second},
		{http.StatusServiceUnavailable, retry.ClassTransient, 0},
		{http.StatusBadRequest, retry.ClassClient, 0},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "3")
				http.Error(w, "nope", tc.status)
			})
			_, err := c.ListDocuments(context.Background(), "")
			require.Error(t, err)

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			require.Equal(t, tc.status, apiErr.StatusCode)
			require.Equal(t, "nope", apiErr.Body)

			class, wait := retry.DefaultClassifier(err)
			require.Equal(t, tc.class, class)
			if tc.class == retry.ClassRateLimited {
				require.Equal(t, tc.wait, wait)
			}
		})
	}
}

func TestNetworkErrorsAreTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := New(Config{Token: "t", BaseURL: base}, nil)
	require.NoError(t, err)
	_, err = c.ExportBooks(context.Background(), "")
	require.Equal(t, retry.ClassTransient, retry.ClassOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.ExportBooks(ctx, "")
	require.True(t, errors.Is(err, context.Canceled))
}

func TestValidateToken(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/auth/", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, c.ValidateToken(context.Background()))

	_, err := New(Config{}, nil)
	require.ErrorIs(t, err, ErrMissingToken)
}
