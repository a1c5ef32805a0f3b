// Package headless renders pages in headless Chrome. It is the fallback
// fetcher when a plain request hits an anti-bot interstitial or a script shell.
package headless

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/restock-tracker/internal/metrics"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

const (
	defaultNavTimeout   = 45 * time.Second
	defaultWaitSelector = "body"
	defaultSettle       = 500 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel bounds open tabs; 0 means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector is a CSS selector that must be ready before the DOM is captured.
	WaitSelector string
	// Settle is how long scripts get to rewrite availability after WaitSelector.
	Settle     time.Duration
	LoadImages bool
}

func (c Config) withDefaults() Config {
	c.NavigationTimeout = cmp.Or(c.NavigationTimeout, defaultNavTimeout)
	c.WaitSelector = cmp.Or(c.WaitSelector, defaultWaitSelector)
	c.Settle = cmp.Or(c.Settle, defaultSettle)
	return c
}

// Fetcher implements tracker.Fetcher using chromedp. One browser process is
// shared; every Fetch gets its own tab.
type Fetcher struct {
	cfg      Config
	tabs     *semaphore.Weighted
	browser  context.Context
	shutdown context.CancelFunc
}

var _ tracker.Fetcher = (*Fetcher)(nil)

// NewChromedp creates a headless fetcher. Chrome is only started on the first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless: max parallel must be >= 0")
	}
	f := &Fetcher{cfg: cfg.withDefaults()}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	f.browser, f.shutdown = chromedp.NewExecAllocator(context.Background(), allocatorOptions(f.cfg)...)
	return f, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 900),
	)
	if !cfg.LoadImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	if f.shutdown != nil {
		f.shutdown()
	}
}

// Fetch opens a tab, waits for the page to settle and returns the rendered
// DOM. The status and headers come from the top-level document response.
func (f *Fetcher) Fetch(ctx context.Context, request tracker.FetchRequest) (tracker.FetchResponse, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return tracker.FetchResponse{}, tracker.NewFetchFailure(tracker.ErrTransient, request.URL,
				fmt.Errorf("wait for headless tab: %w", err))
		}
		defer f.tabs.Release(1)
	}

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, f.cfg.NavigationTimeout)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	doc := &document{}
	chromedp.ListenTarget(tab, doc.listen)

	start := time.Now()
	page, err := f.render(tab, request)
	if err != nil {
		metrics.ObserveFetch(request.URL, "headless_error")
		return tracker.FetchResponse{}, tracker.NewFetchFailure(tracker.ErrTransient, request.URL, err)
	}
	resp := doc.response(request.URL, page)
	resp.Duration = time.Since(start)
	metrics.ObserveFetch(request.URL, "headless_"+strconv.Itoa(resp.StatusCode))
	return resp, nil
}

type renderedPage struct {
	html     string
	location string
}

func (f *Fetcher) render(tab context.Context, request tracker.FetchRequest) (renderedPage, error) {
	var page renderedPage
	err := chromedp.Run(tab,
		f.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(f.cfg.Settle),
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err != nil {
		return renderedPage{}, fmt.Errorf("render %s: %w", request.URL, err)
	}
	return page, nil
}

func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network events: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("override user agent: %w", err)
			}
		}
		if extra := networkHeaders(headers); len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set request headers: %w", err)
			}
		}
		return nil
	})
}

// document records the first top-level document response a tab receives.
// Later document responses belong to iframes.
type document struct {
	mu      sync.Mutex
	seen    bool
	status  int
	url     string
	headers http.Header
}

func (d *document) listen(ev any) {
	event, ok := ev.(*network.EventResponseReceived)
	if !ok || event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(event.Response.Status)
	d.url = event.Response.URL
	d.headers = httpHeaders(event.Response.Headers)
}

// response assembles the FetchResponse, falling back to the tab location and
// then the requested URL when no document event was seen.
func (d *document) response(requestURL string, page renderedPage) tracker.FetchResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp := tracker.FetchResponse{
		URL:          cmp.Or(d.url, page.location, requestURL),
		StatusCode:   cmp.Or(d.status, http.StatusOK),
		Headers:      d.headers.Clone(),
		Body:         []byte(page.html),
		UsedHeadless: true,
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	return resp
}

// httpHeaders converts CDP headers. Chrome folds repeated headers into a
// single newline-separated value.
func httpHeaders(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			for _, line := range strings.Split(v, "\n") {
				out.Add(key, line)
			}
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

func networkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}
