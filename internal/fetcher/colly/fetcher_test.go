package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpus-jobs/internal/fetcher"
)

func TestTransportReturnsPagesForEveryStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-agent", r.UserAgent())
		switch r.URL.Path {
		case "/article":
			w.Header().Set("Content-Type", "text/html")
			_, _ = fmt.Fprint(w, "<html><body><p>hello</p></body></html>")
		case "/busy":
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	tr := New(Config{UserAgent: "test-agent", Timeout: time.Second}, nil)
	ctx := context.Background()

	page, err := tr.Get(ctx, srv.URL+"/article")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Contains(t, string(page.Body), "<p>hello</p>")

	page, err = tr.Get(ctx, srv.URL+"/article")
	require.NoError(t, err, "the same url can be fetched again")
	require.Equal(t, http.StatusOK, page.StatusCode)

	page, err = tr.Get(ctx, srv.URL+"/busy")
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, page.StatusCode)
	require.Equal(t, "7", page.Header.Get("Retry-After"))

	page, err = tr.Get(ctx, srv.URL+"/missing")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, page.StatusCode)
}

func TestTransportFeedsFetcher(t *testing.T) {
	t.Parallel()

	body := "<html><head><title>Long read</title></head><body><article><p>" +
		strings.Repeat("Readable sentence. ", 20) + "</p></article></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)

	f, err := fetcher.New(fetcher.Config{}, New(Config{}, nil))
	require.NoError(t, err)
	res, err := f.Fetch(context.Background(), srv.URL+"/post")
	require.NoError(t, err)
	require.Equal(t, "Long read", res.Title)
	require.True(t, strings.HasPrefix(res.Text, "Readable sentence."))
}

func TestTransportNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}, nil).Get(context.Background(), addr+"/gone")
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	tr := New(Config{}, nil)
	var result fetcher.Page
	var fetchErr error

	hooks := &stubHooks{}
	tr.configureCollectorHooks(hooks, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Contains(t, collyReq.Headers.Get("Accept"), "text/html")

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Header.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestBuildCollectorAppliesConfig(t *testing.T) {
	t.Parallel()

	tr := New(Config{UserAgent: "coverage-agent", MaxBytes: 1024}, nil)
	collector := tr.buildCollector(&fetcher.Page{}, new(error))
	require.Equal(t, "coverage-agent", collector.UserAgent)
	require.Equal(t, 1024, collector.MaxBodySize)
	require.True(t, collector.ParseHTTPErrorResponse)
	require.True(t, collector.AllowURLRevisit)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
