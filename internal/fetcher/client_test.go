package fetcher

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

type scriptedFetcher struct {
	mu        sync.Mutex
	responses []tracker.FetchResponse
	errs      []error
	calls     int
	headless  bool
}

func (f *scriptedFetcher) Fetch(_ context.Context, req tracker.FetchRequest) (tracker.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return tracker.FetchResponse{}, f.errs[i]
	}
	resp := f.responses[i]
	resp.URL = req.URL
	resp.UsedHeadless = f.headless
	return resp, nil
}

type recordingPacer struct {
	mu        sync.Mutex
	waits     int
	penalties []time.Duration
	waitErr   error
}

func (p *recordingPacer) Wait(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits++
	return p.waitErr
}

func (p *recordingPacer) Penalize(_ string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.penalties = append(p.penalties, d)
}

const captcha = `<form action="/errors/validateCaptcha">`

func ok(body string) tracker.FetchResponse {
	return tracker.FetchResponse{StatusCode: http.StatusOK, Body: []byte(body)}
}

func TestFetchPlainSuccess(t *testing.T) {
	t.Parallel()
	primary := &scriptedFetcher{responses: []tracker.FetchResponse{ok(`{"products":[]}`)}}
	pacer := &recordingPacer{}
	c, err := NewClient(Options{Primary: primary, Pacer: pacer})
	require.NoError(t, err)

	resp, err := c.Fetch(context.Background(), tracker.FetchRequest{URL: "https://soylent.ca/products.json"})
	require.NoError(t, err)
	assert.False(t, resp.UsedHeadless)
	assert.Equal(t, 1, pacer.waits)
}

func TestFetchChallengeEscalatesToHeadless(t *testing.T) {
	t.Parallel()
	primary := &scriptedFetcher{responses: []tracker.FetchResponse{ok(captcha)}}
	headless := &scriptedFetcher{headless: true, responses: []tracker.FetchResponse{ok(`<div id="availability">In Stock</div>`)}}
	pacer := &recordingPacer{}
	c, err := NewClient(Options{Primary: primary, Headless: headless, Pacer: pacer})
	require.NoError(t, err)

	resp, err := c.Fetch(context.Background(), tracker.FetchRequest{URL: "https://www.amazon.ca/dp/B00"})
	require.NoError(t, err)
	assert.True(t, resp.UsedHeadless)
	assert.Equal(t, 2, pacer.waits)
	assert.Empty(t, pacer.penalties)
}

func TestFetchChallengeWithoutHeadlessPenalizesHost(t *testing.T) {
	t.Parallel()
	primary := &scriptedFetcher{responses: []tracker.FetchResponse{ok(captcha)}}
	pacer := &recordingPacer{}
	c, err := NewClient(Options{Primary: primary, Pacer: pacer, ChallengePenalty: time.Minute})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), tracker.FetchRequest{URL: "https://www.amazon.ca/dp/B00"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tracker.ErrChallengeDetected))
	assert.Equal(t, []time.Duration{time.Minute}, pacer.penalties)
}

func TestFetchCloudflareBeaconPageIsUsable(t *testing.T) {
	t.Parallel()
	page := `<html><head><title>Soylent Drink</title></head><body><form action="/cart/add"></form>` +
		`<script src="/cdn-cgi/challenge-platform/scripts/jsd/main.js"></script></body></html>`
	primary := &scriptedFetcher{responses: []tracker.FetchResponse{ok(page)}}
	pacer := &recordingPacer{}
	c, err := NewClient(Options{Primary: primary, Pacer: pacer, ChallengePenalty: time.Minute})
	require.NoError(t, err)

	resp, err := c.Fetch(context.Background(), tracker.FetchRequest{URL: "https://soylent.ca/products/drink"})
	require.NoError(t, err)
	assert.Contains(t, string(resp.Body), "/cart/add")
	assert.Empty(t, pacer.penalties)
}

func TestFetchHeadlessAlsoChallenged(t *testing.T) {
	t.Parallel()
	primary := &scriptedFetcher{responses: []tracker.FetchResponse{ok(captcha)}}
	headless := &scriptedFetcher{headless: true, responses: []tracker.FetchResponse{ok(captcha)}}
	pacer := &recordingPacer{}
	c, err := NewClient(Options{Primary: primary, Headless: headless, Pacer: pacer})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), tracker.FetchRequest{URL: "https://www.amazon.ca/dp/B00"})
	require.True(t, errors.Is(err, tracker.ErrChallengeDetected))
	assert.Len(t, pacer.penalties, 1)
}

func TestFetchHeadlessTransportErrorReportsOriginalChallenge(t *testing.T) {
	t.Parallel()
	primary := &scriptedFetcher{responses: []tracker.FetchResponse{ok(captcha)}}
	headless := &scriptedFetcher{errs: []error{errors.New("chrome crashed")}}
	c, err := NewClient(Options{Primary: primary, Headless: headless})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), tracker.FetchRequest{URL: "https://www.amazon.ca/dp/B00"})
	require.True(t, errors.Is(err, tracker.ErrChallengeDetected))
}

func TestFetchWrapsUntypedErrors(t *testing.T) {
	t.Parallel()
	primary := &scriptedFetcher{errs: []error{errors.New("connection reset")}}
	c, err := NewClient(Options{Primary: primary})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), tracker.FetchRequest{URL: "https://soylent.ca"})
	var failure *tracker.FetchFailure
	require.True(t, errors.As(err, &failure))
	assert.True(t, errors.Is(err, tracker.ErrTransient))
}

func TestFetchPacerErrorIsTransient(t *testing.T) {
	t.Parallel()
	primary := &scriptedFetcher{responses: []tracker.FetchResponse{ok("x")}}
	c, err := NewClient(Options{Primary: primary, Pacer: &recordingPacer{waitErr: context.Canceled}})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), tracker.FetchRequest{URL: "https://soylent.ca"})
	assert.True(t, errors.Is(err, tracker.ErrTransient))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, primary.calls)
}

func TestFetchScriptShellRendersHeadless(t *testing.T) {
	t.Parallel()
	primary := &scriptedFetcher{responses: []tracker.FetchResponse{ok(`<div id="__next"></div>`)}}
	headless := &scriptedFetcher{headless: true, responses: []tracker.FetchResponse{ok(`<div id="__next">rendered</div>`)}}
	c, err := NewClient(Options{Primary: primary, Headless: headless})
	require.NoError(t, err)

	resp, err := c.Fetch(context.Background(), tracker.FetchRequest{URL: "https://soylent.ca/products/cacao"})
	require.NoError(t, err)
	assert.True(t, resp.UsedHeadless)
}

func TestFetchThrottledHonoursRetryAfter(t *testing.T) {
	t.Parallel()
	primary := &scriptedFetcher{responses: []tracker.FetchResponse{{
		StatusCode: http.StatusTooManyRequests,
		Headers:    http.Header{"Retry-After": []string{"30"}},
	}}}
	pacer := &recordingPacer{}
	c, err := NewClient(Options{Primary: primary, Pacer: pacer})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), tracker.FetchRequest{URL: "https://soylent.ca/products.json"})
	assert.True(t, errors.Is(err, tracker.ErrTransient))
	assert.Equal(t, []time.Duration{30 * time.Second}, pacer.penalties)
}

func TestNewClientRequiresPrimary(t *testing.T) {
	t.Parallel()
	_, err := NewClient(Options{})
	require.Error(t, err)
}
