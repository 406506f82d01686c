// Package collyfetcher implements the plain HTTP page transport using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/corpus-jobs/internal/fetcher"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int
}

// DefaultUserAgent identifies the fetcher to site operators.
const DefaultUserAgent = "Mozilla/5.0 (compatible; corpusjobs/1.0)"

// Transport implements fetcher.Transport using the Colly collector.
type Transport struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Transport. A nil roundTripper selects a pooled default.
func New(cfg Config, roundTripper http.RoundTripper) *Transport {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = fetcher.DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = fetcher.DefaultMaxBytes
	}
	if roundTripper == nil {
		roundTripper = newHTTPTransport()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(roundTripper)
	return &Transport{
		cfg:           cfg,
		transport:     roundTripper,
		baseCollector: c,
	}
}

// Get executes a single HTTP GET using Colly. Error statuses are returned as
// pages so the caller can classify them.
func (t *Transport) Get(ctx context.Context, url string) (fetcher.Page, error) {
	var (
		result   fetcher.Page
		fetchErr error
	)
	collector := t.buildCollector(&result, &fetchErr)
	if err := t.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return fetcher.Page{}, err
	}
	return result, nil
}

func (t *Transport) buildCollector(result *fetcher.Page, fetchErr *error) *colly.Collector {
	collector := t.baseCollector.Clone()
	collector.UserAgent = t.cfg.UserAgent
	collector.MaxBodySize = t.cfg.MaxBytes
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(t.cfg.Timeout)
	collector.WithTransport(t.transport)
	t.configureCollectorHooks(collector, result, fetchErr)
	return collector
}

func (t *Transport) configureCollectorHooks(hooks collectorHooks, result *fetcher.Page, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9,de;q=0.8")
	})

	hooks.OnResponse(func(r *colly.Response) {
		header := http.Header{}
		if r.Headers != nil {
			header = r.Headers.Clone()
		}
		*result = fetcher.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     header,
			Body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (t *Transport) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	collector.Context = ctx
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
