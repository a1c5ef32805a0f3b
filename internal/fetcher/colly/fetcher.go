// Package collyfetcher implements tracker.Fetcher using gocolly. It is the
// plain HTTP path every source tries first.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/restock-tracker/internal/metrics"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 8 << 20
	defaultRetryDelay  = time.Second
)

// DefaultHeaders are sent with every request unless the request overrides them.
var DefaultHeaders = http.Header{
	"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
	"Accept-Language": {"en-CA,en;q=0.9"},
}

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// UserAgents, when set, are rotated per request instead of UserAgent.
	UserAgents []string
	Timeout    time.Duration
	// MaxBodySize caps the bytes read from a response; 0 means 8 MiB.
	MaxBodySize int
	// Retries is how many times a transport error is retried.
	Retries    int
	RetryDelay time.Duration
}

// Fetcher implements tracker.Fetcher using the Colly collector. Non-2xx
// responses are returned as-is; only transport errors become failures.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	nextAgent     atomic.Uint64
}

var _ tracker.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// attempt holds what the hooks captured for a single visit.
type attempt struct {
	response tracker.FetchResponse
	err      error
	answered bool
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	c.WithTransport(newHTTPTransport())
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a GET, retrying transport errors up to cfg.Retries times.
func (f *Fetcher) Fetch(ctx context.Context, request tracker.FetchRequest) (tracker.FetchResponse, error) {
	var lastErr error
	for try := 0; try <= f.cfg.Retries; try++ {
		if try > 0 {
			if err := sleep(ctx, f.cfg.RetryDelay); err != nil {
				break
			}
		}
		resp, err := f.visit(ctx, request)
		if err == nil {
			metrics.ObserveFetch(request.URL, strconv.Itoa(resp.StatusCode))
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	metrics.ObserveFetch(request.URL, "error")
	return tracker.FetchResponse{}, tracker.NewFetchFailure(tracker.ErrTransient, request.URL, lastErr)
}

func (f *Fetcher) visit(ctx context.Context, request tracker.FetchRequest) (tracker.FetchResponse, error) {
	collector := f.baseCollector.Clone()
	if agent := f.userAgent(); agent != "" {
		collector.UserAgent = agent
	}
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = f.cfg.MaxBodySize

	at := &attempt{}
	f.configureCollectorHooks(collector, request, time.Now(), at)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return tracker.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = at.err
		}
		if err != nil {
			return tracker.FetchResponse{}, fmt.Errorf("colly visit failed: %w", err)
		}
		if !at.answered {
			return tracker.FetchResponse{}, errors.New("colly visit returned no response")
		}
		return at.response, nil
	}
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request tracker.FetchRequest,
	start time.Time,
	at *attempt,
) {
	hooks.OnRequest(func(r *colly.Request) {
		applyHeaders(r, request.Headers)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		at.answered = true
		at.response = tracker.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		at.err = err
	})
}

func (f *Fetcher) userAgent() string {
	if len(f.cfg.UserAgents) == 0 {
		return f.cfg.UserAgent
	}
	n := f.nextAgent.Add(1) - 1
	return f.cfg.UserAgents[n%uint64(len(f.cfg.UserAgents))]
}

// applyHeaders sets DefaultHeaders, then lets the request's own headers
// replace them key by key.
func applyHeaders(r *colly.Request, override http.Header) {
	if r.Headers == nil {
		h := http.Header{}
		r.Headers = &h
	}
	for _, headers := range []http.Header{DefaultHeaders, override} {
		for key, values := range headers {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
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
