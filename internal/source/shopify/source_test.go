package shopify

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type route struct {
	resp tracker.FetchResponse
	err  error
}

type fakeFetcher struct {
	mu       sync.Mutex
	routes   map[string]route
	requests []tracker.FetchRequest
}

func (f *fakeFetcher) set(url string, r route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.routes == nil {
		f.routes = map[string]route{}
	}
	f.routes[url] = r
}

func (f *fakeFetcher) Fetch(_ context.Context, req tracker.FetchRequest) (tracker.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	r, ok := f.routes[req.URL]
	if !ok {
		return tracker.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	r.resp.URL = req.URL
	return r.resp, r.err
}

const catalogueURL = "https://soylent.ca/products.json?limit=250"

const catalogueBody = `{"products":[
 {"id":1,"title":"Cacao","handle":"cacao","product_type":"Drink","variants":[
   {"id":11,"title":"Default Title","available":true,"price":"39.99","requires_shipping":true}]},
 {"id":2,"title":"Shirt","handle":"shirt","product_type":"Merch","variants":[
   {"id":21,"title":"S","available":true,"price":"20.00"},
   {"id":22,"title":"M","available":false,"price":"20.00"}]},
 {"id":3,"title":"Gift Card","handle":"gift","product_type":"Gift Card","variants":[
   {"id":31,"title":"$25","available":true,"price":"25.00","requires_shipping":false},
   {"id":32,"title":"$50","available":true,"price":"50.00","requires_shipping":false}]},
 {"id":4,"title":"Mint","handle":"mint","variants":[{"id":41,"title":"Default Title","price":"39.99"}]},
 {"id":5,"title":"Empty","handle":"empty","variants":[]}
]}`

func newSource(t *testing.T, f *fakeFetcher, cfg Config) (*Source, *fixedClock) {
	t.Helper()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	src, err := New(cfg, f, clock, nil)
	require.NoError(t, err)
	return src, clock
}

func byKey(obs []tracker.Observation) map[tracker.VariantKey]tracker.Observation {
	out := make(map[tracker.VariantKey]tracker.Observation, len(obs))
	for _, o := range obs {
		out[o.Key] = o
	}
	return out
}

func TestPollNormalizesCatalogue(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{}
	f.set(catalogueURL, route{resp: tracker.FetchResponse{StatusCode: http.StatusOK, Body: []byte(catalogueBody)}})
	src, _ := newSource(t, f, Config{})

	res, err := src.Poll(context.Background())
	require.NoError(t, err)

	obs := byKey(res.Observations)
	require.Len(t, obs, 4)

	cacao := obs["shopify-ca:1"]
	assert.True(t, cacao.InStock)
	assert.Equal(t, "https://soylent.ca/products/cacao", cacao.URL)
	assert.Equal(t, "39.99", cacao.Price)

	small := obs["shopify-ca:2:21"]
	assert.True(t, small.InStock)
	assert.Equal(t, "Shirt - S", small.Title)
	assert.Equal(t, "https://soylent.ca/products/shirt?variant=21", small.URL)
	assert.False(t, obs["shopify-ca:2:22"].InStock)

	assert.True(t, obs["shopify-ca:3"].InStock, "gift cards aggregate")

	require.Len(t, res.Failures, 1)
	assert.Equal(t, tracker.VariantKey("shopify-ca:4"), res.Failures[0].Key)
	var parseErr *tracker.ParseFailure
	assert.True(t, errors.As(res.Failures[0].Err, &parseErr))

	require.NotEmpty(t, f.requests)
	assert.Equal(t, "application/json", f.requests[0].Headers.Get("Accept"))
}

func TestPollNoExpandAggregates(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{}
	f.set(catalogueURL, route{resp: tracker.FetchResponse{StatusCode: http.StatusOK, Body: []byte(catalogueBody)}})
	src, _ := newSource(t, f, Config{NoExpand: []string{"shopify-ca:2"}})

	res, err := src.Poll(context.Background())
	require.NoError(t, err)
	obs := byKey(res.Observations)
	assert.True(t, obs["shopify-ca:2"].InStock)
	_, expanded := obs["shopify-ca:2:21"]
	assert.False(t, expanded)
}

func TestPollNotModifiedReplaysWithFreshTimestamp(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{}
	f.set(catalogueURL, route{resp: tracker.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(catalogueBody),
		Headers:    http.Header{"Etag": []string{`"v1"`}},
	}})
	src, clock := newSource(t, f, Config{})

	first, err := src.Poll(context.Background())
	require.NoError(t, err)

	f.set(catalogueURL, route{resp: tracker.FetchResponse{StatusCode: http.StatusNotModified}})
	clock.Advance(time.Minute)
	second, err := src.Poll(context.Background())
	require.NoError(t, err)

	require.Len(t, second.Observations, len(first.Observations))
	require.Len(t, second.Failures, 1, "the unchanged catalogue still lacks availability for mint")
	assert.Equal(t, tracker.VariantKey("shopify-ca:4"), second.Failures[0].Key)
	for _, o := range second.Observations {
		assert.Equal(t, clock.Now(), o.ObservedAt)
	}
	assert.Equal(t, `"v1"`, f.requests[len(f.requests)-1].Headers.Get("If-None-Match"))
}

func TestPollHardFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		route   route
		isParse bool
		kind    error
	}{
		{name: "server error", route: route{resp: tracker.FetchResponse{StatusCode: http.StatusBadGateway}}, kind: tracker.ErrTransient},
		{name: "unexpected not modified", route: route{resp: tracker.FetchResponse{StatusCode: http.StatusNotModified}}, kind: tracker.ErrTransient},
		{name: "fetch failure", route: route{err: tracker.NewFetchFailure(tracker.ErrChallengeDetected, catalogueURL, nil)}, kind: tracker.ErrChallengeDetected},
		{name: "bad json", route: route{resp: tracker.FetchResponse{StatusCode: http.StatusOK, Body: []byte("<html>")}}, isParse: true},
		{name: "missing products", route: route{resp: tracker.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`{"items":[]}`)}}, isParse: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeFetcher{}
			f.set(catalogueURL, tt.route)
			src, _ := newSource(t, f, Config{})
			_, err := src.Poll(context.Background())
			require.Error(t, err)
			if tt.isParse {
				var parseErr *tracker.ParseFailure
				assert.True(t, errors.As(err, &parseErr))
				return
			}
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestPollCrossCheck(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{}
	f.set(catalogueURL, route{resp: tracker.FetchResponse{StatusCode: http.StatusOK, Body: []byte(catalogueBody)}})
	f.set("https://soylent.ca/products/cacao", route{resp: tracker.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(`<script>var gsf_conversion_data = {page_type: "product", data: {quantity: "0"}};</script>`),
	}})
	f.set("https://soylent.ca/products/shirt?variant=21", route{resp: tracker.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(`{"inventoryQty": 17}`),
	}})
	src, _ := newSource(t, f, Config{CrossCheck: true})

	res, err := src.Poll(context.Background())
	require.NoError(t, err)
	obs := byKey(res.Observations)

	assert.False(t, obs["shopify-ca:1"].InStock, "zero page quantity overrides catalogue")
	require.NotNil(t, obs["shopify-ca:2:21"].Quantity)
	assert.Equal(t, 17, *obs["shopify-ca:2:21"].Quantity)
	assert.True(t, obs["shopify-ca:2:21"].InStock)

	for _, req := range f.requests {
		assert.NotContains(t, req.URL, "/products/gift", "digital products are not cross-checked")
		assert.NotContains(t, req.URL, "variant=22", "unavailable variants are not cross-checked")
	}
}

func TestPollCrossCheckPageFailureIsSoft(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{}
	f.set(catalogueURL, route{resp: tracker.FetchResponse{StatusCode: http.StatusOK, Body: []byte(catalogueBody)}})
	f.set("https://soylent.ca/products/cacao", route{err: tracker.NewFetchFailure(tracker.ErrEmptyResponse, "https://soylent.ca/products/cacao", nil)})
	f.set("https://soylent.ca/products/shirt?variant=21", route{resp: tracker.FetchResponse{StatusCode: http.StatusOK, Body: []byte("<html></html>")}})
	src, _ := newSource(t, f, Config{CrossCheck: true})

	res, err := src.Poll(context.Background())
	require.NoError(t, err)
	obs := byKey(res.Observations)

	_, ok := obs["shopify-ca:1"]
	assert.False(t, ok)
	assert.True(t, obs["shopify-ca:2:21"].InStock, "page without a quantity keeps the catalogue value")
	assert.Nil(t, obs["shopify-ca:2:21"].Quantity)

	keys := map[tracker.VariantKey]bool{}
	for _, fl := range res.Failures {
		keys[fl.Key] = true
	}
	assert.True(t, keys["shopify-ca:1"])
}

func TestPollNotModifiedRetriesFailedCrossChecks(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{}
	f.set(catalogueURL, route{resp: tracker.FetchResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(catalogueBody),
		Headers:    http.Header{"Etag": []string{`"v1"`}},
	}})
	cacaoURL := "https://soylent.ca/products/cacao"
	f.set(cacaoURL, route{err: tracker.NewFetchFailure(tracker.ErrEmptyResponse, cacaoURL, nil)})
	f.set("https://soylent.ca/products/shirt?variant=21", route{resp: tracker.FetchResponse{StatusCode: http.StatusOK, Body: []byte("<html></html>")}})
	src, clock := newSource(t, f, Config{CrossCheck: true})

	_, err := src.Poll(context.Background())
	require.NoError(t, err)

	f.set(catalogueURL, route{resp: tracker.FetchResponse{StatusCode: http.StatusNotModified}})
	clock.Advance(time.Minute)
	second, err := src.Poll(context.Background())
	require.NoError(t, err)
	_, ok := byKey(second.Observations)["shopify-ca:1"]
	assert.False(t, ok)
	failed := map[tracker.VariantKey]bool{}
	for _, fl := range second.Failures {
		failed[fl.Key] = true
	}
	assert.True(t, failed["shopify-ca:1"], "a key whose page still fails keeps counting failures")

	f.set(cacaoURL, route{resp: tracker.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`gsf_conversion_data = {quantity: "7"}`)}})
	clock.Advance(time.Minute)
	third, err := src.Poll(context.Background())
	require.NoError(t, err)
	cacao, ok := byKey(third.Observations)["shopify-ca:1"]
	require.True(t, ok, "a recovered page check yields an observation")
	assert.True(t, cacao.InStock)
	assert.Equal(t, tracker.IntPtr(7), cacao.Quantity)
	assert.Equal(t, clock.Now(), cacao.ObservedAt)

	clock.Advance(time.Minute)
	fourth, err := src.Poll(context.Background())
	require.NoError(t, err)
	_, ok = byKey(fourth.Observations)["shopify-ca:1"]
	assert.True(t, ok, "recovered keys are replayed with the rest")
	for _, fl := range fourth.Failures {
		assert.NotEqual(t, tracker.VariantKey("shopify-ca:1"), fl.Key)
	}
}

func TestParsePageQuantity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		html string
		want *int
	}{
		{name: "conversion data", html: `gsf_conversion_data = {quantity: "12"}`, want: tracker.IntPtr(12)},
		{name: "oversold", html: `gsf_conversion_data = {quantity: "-3"}`, want: tracker.IntPtr(-3)},
		{name: "inventory qty", html: `{"inventoryQty": 4}`, want: tracker.IntPtr(4)},
		{name: "conversion wins", html: "gsf_conversion_data\n{quantity: \"2\"} \"inventoryQty\": 9", want: tracker.IntPtr(2)},
		{name: "absent", html: `<html></html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParsePageQuantity([]byte(tt.html)))
		})
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, nil, &fixedClock{}, nil)
	require.Error(t, err)
	_, err = New(Config{}, &fakeFetcher{}, nil, nil)
	require.Error(t, err)
}
