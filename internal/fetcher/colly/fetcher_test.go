package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

func TestFetchReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	var gotAccept, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`{"products":[]}`))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "restock-test", Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), tracker.FetchRequest{
		URL:     srv.URL + "/products.json",
		Headers: http.Header{"Accept": {"application/json"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"products":[]}`, string(resp.Body))
	assert.Equal(t, `"v1"`, resp.Headers.Get("ETag"))
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "restock-test", gotUA)

	// Revisiting the same URL is allowed.
	_, err = f.Fetch(context.Background(), tracker.FetchRequest{URL: srv.URL + "/products.json"})
	require.NoError(t, err)
}

func TestFetchPassesThroughErrorStatuses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("<title>Robot Check</title>"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), tracker.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "Robot Check")

	resp, err = f.Fetch(context.Background(), tracker.FetchRequest{
		URL:     srv.URL,
		Headers: http.Header{"If-None-Match": {`"v1"`}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestFetchTransportErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), tracker.FetchRequest{URL: addr})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tracker.ErrTransient))
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f := New(Config{Timeout: 5 * time.Second})
	_, err := f.Fetch(ctx, tracker.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, errors.Is(err, tracker.ErrTransient))
}

func TestFetchRetriesTransportErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second, Retries: 1, RetryDelay: time.Millisecond})
	resp, err := f.Fetch(context.Background(), tracker.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second, Retries: 2, RetryDelay: time.Millisecond})
	_, err := f.Fetch(context.Background(), tracker.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	assert.ErrorIs(t, err, tracker.ErrTransient)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchRotatesUserAgents(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var agents []string
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		agents = append(agents, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	f := New(Config{UserAgents: []string{"ua-a", "ua-b"}, Timeout: time.Second})
	for range 3 {
		_, err := f.Fetch(context.Background(), tracker.FetchRequest{URL: srv.URL})
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ua-a", "ua-b", "ua-a"}, agents)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := tracker.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}, "Accept": {"application/json"}},
	}
	at := &attempt{}

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), at)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	assert.Equal(t, []string{"application/json"}, collyReq.Headers.Values("Accept"), "request headers replace defaults")
	assert.Equal(t, "en-CA,en;q=0.9", collyReq.Headers.Get("Accept-Language"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	assert.True(t, at.answered)
	assert.Equal(t, http.StatusCreated, at.response.StatusCode)
	assert.Equal(t, "body", string(at.response.Body))
	assert.Equal(t, "ok", at.response.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, at.err, "boom")
}

func TestApplyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	collyReq := &colly.Request{}
	applyHeaders(collyReq, nil)
	require.NotNil(t, collyReq.Headers)
	assert.Equal(t, DefaultHeaders.Get("Accept"), collyReq.Headers.Get("Accept"))
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
