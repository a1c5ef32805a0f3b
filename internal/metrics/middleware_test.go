package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(Middleware("/mw-healthz"))
	r.Get("/mw-teapot/{sku}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/mw-implicit", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/mw-healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	Init()
	r := newRouter()
	teapots := httpRequestsTotal.WithLabelValues("GET", "418")
	before := testutil.ToFloat64(teapots)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mw-teapot/B000TEST01", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	assert.Equal(t, before+1, testutil.ToFloat64(teapots))
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareImplicitOKAndSkippedProbes(t *testing.T) {
	Init()
	r := newRouter()
	noContent := httpRequestsTotal.WithLabelValues("GET", "204")
	beforeProbe := testutil.ToFloat64(noContent)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mw-implicit", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mw-healthz", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, beforeProbe, testutil.ToFloat64(noContent), "skipped routes are not counted")
}

func TestRouteOfUnmatched(t *testing.T) {
	t.Parallel()
	assert.Equal(t, unmatchedRoute, routeOf(httptest.NewRequest(http.MethodGet, "/", nil)))
}
