// Package fetcher turns a saved URL into readable article text. Transports
// (plain HTTP via colly, headless Chrome via chromedp) return raw pages; the
// Fetcher applies the domain rules, status mapping and text extraction and
// reports failures as typed errors the retry policy understands.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-jobs/internal/metrics"
	"github.com/JakeFAU/corpus-jobs/internal/retry"
)

// Kind classifies a fetch failure.
type Kind string

// Failure kinds.
const (
	KindTimeout          Kind = "timeout"
	KindHTTP5xx          Kind = "http_5xx"
	KindConnection       Kind = "connection_error"
	KindRateLimited      Kind = "rate_limited"
	KindHTTP4xx          Kind = "http_4xx"
	KindPaywall          Kind = "paywall"
	KindJSRequired       Kind = "js_required"
	KindExtractionFailed Kind = "extraction_failed"
	KindNoContent        Kind = "no_content"
)

// Retryable reports whether the kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindHTTP5xx, KindConnection, KindRateLimited:
		return true
	default:
		return false
	}
}

// Error is a classified fetch failure.
type Error struct {
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RetryClass implements retry.Classified.
func (e *Error) RetryClass() (retry.Class, time.Duration) {
	switch e.Kind {
	case KindRateLimited:
		return retry.ClassRateLimited, e.RetryAfter
	case KindTimeout, KindHTTP5xx, KindConnection:
		return retry.ClassTransient, 0
	default:
		return retry.ClassClient, 0
	}
}

func newError(kind Kind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, StatusCode: status, Err: fmt.Errorf(format, args...)}
}

// Page is a raw response from a transport.
type Page struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Headless   bool
}

// Transport retrieves a page. Non-2xx statuses are returned as pages, not
// errors; errors are reserved for network failures.
type Transport interface {
	Get(ctx context.Context, url string) (Page, error)
}

// Result is the extracted content of a URL.
type Result struct {
	URL        string
	StatusCode int
	Title      string
	Text       string
	HTML       string
	Bytes      int
	Headless   bool
}

// Config holds the fetch limits.
type Config struct {
	MinContentLength int
	MaxBytes         int64
}

// Defaults.
const (
	DefaultMinContentLength = 200
	DefaultMaxBytes         = 10 << 20
	DefaultTimeout          = 30 * time.Second
)

// Fetcher fetches and extracts article text.
type Fetcher struct {
	cfg      Config
	http     Transport
	headless Transport
	logger   *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHeadless routes JavaScript-only domains through t.
func WithHeadless(t Transport) Option {
	return func(f *Fetcher) { f.headless = t }
}

// WithLogger sets the fetcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// New builds a Fetcher over the plain HTTP transport.
func New(cfg Config, transport Transport, opts ...Option) (*Fetcher, error) {
	if transport == nil {
		return nil, fmt.Errorf("http transport is required")
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = DefaultMinContentLength
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	f := &Fetcher{cfg: cfg, http: transport, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch retrieves url and extracts its readable text.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Result, error) {
	domain := Domain(url)
	if domain == "" {
		return Result{}, newError(KindHTTP4xx, 0, "invalid url %q", url)
	}
	if IsPaywalled(domain) {
		f.observe(domain, KindPaywall, 0)
		return Result{}, newError(KindPaywall, 0, "domain %s requires subscription", domain)
	}
	transport := f.http
	if RequiresJS(domain) {
		if f.headless == nil {
			f.observe(domain, KindJSRequired, 0)
			return Result{}, newError(KindJSRequired, 0, "domain %s requires javascript rendering", domain)
		}
		transport = f.headless
	}

	page, err := transport.Get(ctx, url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		ferr := transportError(err)
		f.observe(domain, ferr.Kind, 0)
		return Result{}, ferr
	}
	res, ferr := f.extract(page)
	if ferr != nil && transport == f.http && thin(ferr) && int64(len(page.Body)) <= f.cfg.MaxBytes && ScriptRendered(page) {
		if f.headless == nil {
			f.observe(domain, KindJSRequired, len(page.Body))
			return Result{}, newError(KindJSRequired, page.StatusCode, "page at %s renders its content with javascript", domain)
		}
		f.logger.Debug("escalating script-rendered page to headless", zap.String("target", domain))
		page, err = f.headless.Get(ctx, url)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			ferr := transportError(err)
			f.observe(domain, ferr.Kind, 0)
			return Result{}, ferr
		}
		res, ferr = f.extract(page)
	}
	if ferr != nil {
		f.observe(domain, ferr.Kind, len(page.Body))
		f.logger.Debug("fetch failed",
			zap.String("target", domain),
			zap.String("kind", string(ferr.Kind)),
			zap.Int("status", page.StatusCode),
		)
		return Result{}, ferr
	}
	f.observe(domain, "", res.Bytes)
	return res, nil
}

func (f *Fetcher) extract(page Page) (Result, *Error) {
	status := page.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		return Result{}, &Error{
			Kind:       KindRateLimited,
			StatusCode: status,
			RetryAfter: ParseRetryAfter(page.Header.Get("Retry-After"), time.Now()),
			Err:        errors.New("too many requests"),
		}
	case status >= 500:
		return Result{}, newError(KindHTTP5xx, status, "server error")
	case status >= 400:
		return Result{}, newError(KindHTTP4xx, status, "client error")
	}
	if int64(len(page.Body)) > f.cfg.MaxBytes {
		return Result{}, newError(KindExtractionFailed, status, "content too large: %d bytes", len(page.Body))
	}
	if cl := page.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > f.cfg.MaxBytes {
			return Result{}, newError(KindExtractionFailed, status, "content too large: %d bytes", n)
		}
	}

	doc, err := Extract(page.Body)
	if err != nil {
		return Result{}, newError(KindExtractionFailed, status, "parse html: %v", err)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return Result{}, newError(KindNoContent, status, "no content could be extracted")
	}
	if n := len([]rune(doc.Text)); n < f.cfg.MinContentLength {
		return Result{}, newError(KindExtractionFailed, status, "content too short: %d chars", n)
	}
	return Result{
		URL:        page.URL,
		StatusCode: status,
		Title:      doc.Title,
		Text:       doc.Text,
		HTML:       doc.HTML,
		Bytes:      len(page.Body),
		Headless:   page.Headless,
	}, nil
}

// thin reports whether an extraction failure means the page had too little
// text rather than an HTTP failure.
func thin(err *Error) bool {
	return err.Kind == KindNoContent || err.Kind == KindExtractionFailed && err.StatusCode == http.StatusOK
}

func (f *Fetcher) observe(domain string, kind Kind, bytes int) {
	result := "success"
	if kind != "" {
		result = string(kind)
	}
	metrics.ObserveFetch(domain, result, bytes)
}

func transportError(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindConnection, Err: err}
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
