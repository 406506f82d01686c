package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/jobs/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ok := httpRequestsTotal.WithLabelValues("GET", "200")
	notFound := httpRequestsTotal.WithLabelValues("GET", "404")
	okBefore := testutil.ToFloat64(ok)
	notFoundBefore := testutil.ToFloat64(notFound)

	for _, path := range []string{"/v1/jobs/abc", "/missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, 1, testutil.ToFloat64(ok)-okBefore, 0)
	require.InDelta(t, 1, testutil.ToFloat64(notFound)-notFoundBefore, 0)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
