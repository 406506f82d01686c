package fetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpus-jobs/internal/retry"
)

type fakeTransport struct {
	page  Page
	err   error
	calls []string
}

func (f *fakeTransport) Get(_ context.Context, url string) (Page, error) {
	f.calls = append(f.calls, url)
	if f.err != nil {
		return Page{}, f.err
	}
	page := f.page
	page.URL = url
	return page, nil
}

func articlePage(paragraphs int) Page {
	var b strings.Builder
	b.WriteString(`<html><head><title>Plain title</title><meta property="og:title" content="Open Graph title"></head><body>`)
	b.WriteString(`<nav><a href="/">Home</a></nav><article>`)
	for i := 0; i < paragraphs; i++ {
		b.WriteString("<p>This paragraph carries enough words to count as article text.</p>")
	}
	b.WriteString(`</article><footer>Copyright</footer></body></html>`)
	return Page{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(b.String())}
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	var ferr *Error
	require.ErrorAs(t, err, &ferr)
	return ferr.Kind
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{page: articlePage(5)}
	f, err := New(Config{}, tr)
	require.NoError(t, err)

	res, err := f.Fetch(context.Background(), "https://www.example.com/post")
	require.NoError(t, err)
	require.Equal(t, "Open Graph title", res.Title)
	require.NotContains(t, res.Text, "Home")
	require.NotContains(t, res.Text, "Copyright")
	require.Len(t, strings.Split(res.Text, "\n\n"), 5)
	require.False(t, res.Headless)
	require.Equal(t, []string{"https://www.example.com/post"}, tr.calls)
}

func TestFetchStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		status    int
		header    http.Header
		kind      Kind
		class     retry.Class
		wait      time.Duration
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, http.Header{"Retry-After": {"12"}}, KindRateLimited, retry.ClassRateLimited, 12 * time.Second, true},
		{"server error", http.StatusBadGateway, nil, KindHTTP5xx, retry.ClassTransient, 0, true},
		{"not found", http.StatusNotFound, nil, KindHTTP4xx, retry.ClassClient, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f, err := New(Config{}, &fakeTransport{page: Page{StatusCode: tc.status, Header: tc.header}})
			require.NoError(t, err)
			_, err = f.Fetch(context.Background(), "https://example.com/a")
			require.Equal(t, tc.kind, kindOf(t, err))
			require.Equal(t, tc.retryable, tc.kind.Retryable())

			var classified retry.Classified
			require.ErrorAs(t, err, &classified)
			class, wait := classified.RetryClass()
			require.Equal(t, tc.class, class)
			require.Equal(t, tc.wait, wait)
		})
	}
}

func TestFetchDomainRules(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{page: articlePage(5)}
	f, err := New(Config{}, tr)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "https://www.nytimes.com/2024/story.html")
	require.Equal(t, KindPaywall, kindOf(t, err))
	_, err = f.Fetch(context.Background(), "https://x.com/someone/status/1")
	require.Equal(t, KindJSRequired, kindOf(t, err))
	require.Empty(t, tr.calls, "skipped domains are never requested")

	headless := &fakeTransport{page: articlePage(5)}
	headless.page.Headless = true
	f, err = New(Config{}, tr, WithHeadless(headless))
	require.NoError(t, err)
	res, err := f.Fetch(context.Background(), "https://mobile.twitter.com/someone")
	require.NoError(t, err)
	require.True(t, res.Headless)
	require.Len(t, headless.calls, 1)
	require.Empty(t, tr.calls)
}

func TestFetchContentChecks(t *testing.T) {
	t.Parallel()

	f, err := New(Config{}, &fakeTransport{page: articlePage(1)})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "https://example.com/short")
	require.Equal(t, KindExtractionFailed, kindOf(t, err))

	empty := Page{StatusCode: http.StatusOK, Body: []byte("<html><body><div></div></body></html>")}
	f, err = New(Config{}, &fakeTransport{page: empty})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "https://example.com/empty")
	require.Equal(t, KindNoContent, kindOf(t, err))

	f, err = New(Config{MaxBytes: 64}, &fakeTransport{page: articlePage(5)})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "https://example.com/big")
	require.Equal(t, KindExtractionFailed, kindOf(t, err))
}

func TestFetchEscalatesScriptRenderedPages(t *testing.T) {
	t.Parallel()

	shell := Page{StatusCode: http.StatusOK, Body: []byte(`<html><body><div id="__next"></div><script src="/app.js"></script></body></html>`)}

	f, err := New(Config{}, &fakeTransport{page: shell})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "https://example.com/app")
	require.Equal(t, KindJSRequired, kindOf(t, err))

	plain := &fakeTransport{page: shell}
	headless := &fakeTransport{page: articlePage(5)}
	headless.page.Headless = true
	f, err = New(Config{}, plain, WithHeadless(headless))
	require.NoError(t, err)
	res, err := f.Fetch(context.Background(), "https://example.com/app")
	require.NoError(t, err)
	require.True(t, res.Headless)
	require.Equal(t, []string{"https://example.com/app"}, plain.calls)
	require.Equal(t, []string{"https://example.com/app"}, headless.calls)
}

func TestScriptRendered(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		page Page
		want bool
	}{
		{"empty body", Page{StatusCode: http.StatusOK}, true},
		{"spa marker", Page{StatusCode: http.StatusOK, Body: []byte(`<div ng-app="corpus"></div>`)}, true},
		{"script heavy", Page{StatusCode: http.StatusOK, Body: []byte(`<html><body><script>window.boot({route: "/"})</script></body></html>`)}, true},
		{"static page", articlePage(1), false},
		{"error status", Page{StatusCode: http.StatusNotFound}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ScriptRendered(tt.page))
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestFetchTransportErrors(t *testing.T) {
	t.Parallel()

	f, err := New(Config{}, &fakeTransport{err: timeoutErr{}})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "https://example.com/slow")
	require.Equal(t, KindTimeout, kindOf(t, err))

	f, err = New(Config{}, &fakeTransport{err: errors.New("connection refused")})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "https://example.com/down")
	require.Equal(t, KindConnection, kindOf(t, err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, "https://example.com/down")
	require.ErrorIs(t, err, context.Canceled)

	_, err = f.Fetch(context.Background(), "not a url")
	require.Equal(t, KindHTTP4xx, kindOf(t, err))

	_, err = New(Config{}, nil)
	require.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	require.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	require.Equal(t, time.Duration(0), ParseRetryAfter("-4", now))
	require.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))
	at := now.Add(90 * time.Second).Format(http.TimeFormat)
	require.Equal(t, 90*time.Second, ParseRetryAfter(at, now))
}

func TestDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Domain("https://WWW.Example.com:8443/a"))
	require.Equal(t, "", Domain("relative/path"))
	require.True(t, IsPaywalled("cooking.nytimes.com"))
	require.False(t, IsPaywalled("notnytimes.com"))
	require.True(t, RequiresJS("x.com"))
}

func TestExtractFallsBackToBodyText(t *testing.T) {
	t.Parallel()

	doc, err := Extract([]byte("<html><head><title> Only   title </title></head><body><div>loose   text</div></body></html>"))
	require.NoError(t, err)
	require.Equal(t, "Only title", doc.Title)
	require.Equal(t, "loose text", doc.Text)
}
