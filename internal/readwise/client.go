// Package readwise is a client for the Readwise reading-list and highlight
// export APIs. Requests are single attempts; failures carry a retry class so
// the caller's retry policy decides what happens next.
package readwise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/corpus-jobs/internal/fetcher"
	"github.com/JakeFAU/corpus-jobs/internal/retry"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://readwise.io/api"

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// ErrMissingToken is returned by New when no API token is configured.
var ErrMissingToken = errors.New("readwise token is required")

// Config configures the client.
type Config struct {
	Token   string        `mapstructure:"token"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Client talks to the Readwise APIs.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

// New creates a Client. A nil httpClient uses one with the configured timeout.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrMissingToken
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{token: cfg.Token, baseURL: base, http: httpClient}, nil
}

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("readwise: status %d", e.StatusCode)
	}
	return fmt.Sprintf("readwise: status %d: %s", e.StatusCode, e.Body)
}

// RetryClass implements retry.Classified. A rejected token is job-fatal.
func (e *Error) RetryClass() (retry.Class, time.Duration) {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return retry.ClassQuota, 0
	case e.StatusCode == http.StatusTooManyRequests:
		return retry.ClassRateLimited, e.RetryAfter
	case e.StatusCode >= 500:
		return retry.ClassTransient, 0
	default:
		return retry.ClassClient, 0
	}
}

// ValidateToken checks the token against the auth endpoint.
func (c *Client) ValidateToken(ctx context.Context) error {
	return c.get(ctx, "/v2/auth/", nil, nil)
}

// ListDocuments returns one page of the reading list with full HTML content.
// An empty cursor requests the first page.
func (c *Client) ListDocuments(ctx context.Context, cursor string) (DocumentPage, error) {
	q := url.Values{"withHtmlContent": {"true"}}
	if cursor != "" {
		q.Set("pageCursor", cursor)
	}
	var page DocumentPage
	if err := c.get(ctx, "/v3/list/", q, &page); err != nil {
		return DocumentPage{}, fmt.Errorf("list documents: %w", err)
	}
	return page, nil
}

// ExportBooks returns one page of the highlight export.
func (c *Client) ExportBooks(ctx context.Context, cursor string) (BookPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("pageCursor", cursor)
	}
	var page BookPage
	if err := c.get(ctx, "/v2/export/", q, &page); err != nil {
		return BookPage{}, fmt.Errorf("export books: %w", err)
	}
	return page, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return retry.Transient(fmt.Errorf("execute request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{
			StatusCode: resp.StatusCode,
			RetryAfter: fetcher.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Body:       strings.TrimSpace(string(body)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Transient(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
