// Package amazon polls Amazon product pages, one request per ASIN, and reads
// availability from the buy box markup.
package amazon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/restock-tracker/internal/source"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

const (
	// DefaultName is the key prefix for this source.
	DefaultName = "amazon-ca"

	defaultBaseURL = "https://www.amazon.ca"
	unavailable    = "Currently unavailable."
)

var (
	onlyLeft    = regexp.MustCompile(`(?i)only (\d+) left in stock`)
	inStockOn   = regexp.MustCompile(`(?i)in stock on ([^\n<]+)`)
	whitespaces = regexp.MustCompile(`\s+`)
)

// Product is one tracked ASIN.
type Product struct {
	ASIN  string
	Title string
}

// ParseProducts reads "ASIN" or "ASIN:Title" entries.
func ParseProducts(entries []string) ([]Product, error) {
	out := make([]Product, 0, len(entries))
	for _, e := range entries {
		asin, title, _ := strings.Cut(strings.TrimSpace(e), ":")
		asin = strings.TrimSpace(asin)
		if asin == "" {
			return nil, fmt.Errorf("parse product %q: empty ASIN", e)
		}
		out = append(out, Product{ASIN: asin, Title: strings.TrimSpace(title)})
	}
	return out, nil
}

// Config configures the Amazon source.
type Config struct {
	Name     string
	BaseURL  string
	Products []Product
	Pacer    source.Pacer
	// Shuffle reorders products before each poll. Defaults to a random shuffle.
	Shuffle func([]Product)
}

// Source implements tracker.Source.
type Source struct {
	cfg     Config
	fetcher tracker.Fetcher
	clock   tracker.Clock
	logger  *zap.Logger
}

var _ tracker.Source = (*Source)(nil)

// New wires a Source.
func New(cfg Config, fetcher tracker.Fetcher, clock tracker.Clock, logger *zap.Logger) (*Source, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Shuffle == nil {
		cfg.Shuffle = func(p []Product) {
			rand.Shuffle(len(p), func(i, j int) { p[i], p[j] = p[j], p[i] })
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{cfg: cfg, fetcher: fetcher, clock: clock, logger: logger.Named("amazon")}, nil
}

// Name returns the key prefix.
func (s *Source) Name() string {
	return s.cfg.Name
}

// Poll fetches every configured ASIN. Per-ASIN failures are soft; the run
// fails only when no ASIN produced an observation and at least one fetch failed.
func (s *Source) Poll(ctx context.Context) (tracker.PollResult, error) {
	products := append([]Product(nil), s.cfg.Products...)
	s.cfg.Shuffle(products)

	var (
		result    tracker.PollResult
		firstFail error
	)
	for i, p := range products {
		key := tracker.NewVariantKey(s.cfg.Name, p.ASIN)
		pageURL := s.cfg.BaseURL + "/dp/" + p.ASIN
		if i > 0 {
			if err := s.cfg.Pacer.Pause(ctx); err != nil {
				return tracker.PollResult{}, tracker.NewFetchFailure(tracker.ErrTransient, pageURL, err)
			}
		}
		obs, err := s.check(ctx, key, pageURL, p.Title)
		if err != nil {
			s.logger.Warn("check failed", zap.String("asin", p.ASIN), zap.Error(err))
			var fetchErr *tracker.FetchFailure
			if firstFail == nil && errors.As(err, &fetchErr) {
				firstFail = err
			}
			result.Failures = append(result.Failures, tracker.VariantFailure{Key: key, Err: err})
			continue
		}
		s.logger.Debug("checked",
			zap.String("asin", p.ASIN),
			zap.Bool("in_stock", obs.InStock),
			zap.String("status", obs.StatusText))
		result.Observations = append(result.Observations, obs)
	}
	if len(result.Observations) == 0 && firstFail != nil {
		return tracker.PollResult{}, firstFail
	}
	return result, nil
}

func (s *Source) check(ctx context.Context, key tracker.VariantKey, pageURL, title string) (tracker.Observation, error) {
	resp, err := s.fetcher.Fetch(ctx, tracker.FetchRequest{URL: pageURL})
	if err != nil {
		return tracker.Observation{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return tracker.Observation{}, tracker.NewFetchFailure(tracker.ErrTransient, pageURL,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	avail, err := ParseAvailability(resp.Body)
	if err != nil {
		return tracker.Observation{}, &tracker.ParseFailure{Source: s.cfg.Name, Err: fmt.Errorf("%s: %w", key, err)}
	}
	if title == "" {
		title = string(key)
	}
	return tracker.Observation{
		Key:        key,
		InStock:    avail.InStock,
		Quantity:   avail.Quantity,
		ObservedAt: s.clock.Now(),
		Title:      title,
		StatusText: avail.StatusText,
		URL:        pageURL,
	}, nil
}

// ErrNoSignal is returned when a page carries no recognizable availability marker.
var ErrNoSignal = errors.New("no availability signal")

// Availability is the parsed buy box state.
type Availability struct {
	InStock    bool
	StatusText string
	Quantity   *int
}

// ParseAvailability reads availability from a product page. Markers are
// checked from the most to the least specific.
func ParseAvailability(html []byte) (Availability, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Availability{}, fmt.Errorf("parse html: %w", err)
	}

	if sel := doc.Find("#outOfStock").First(); sel.Length() > 0 {
		text := collapse(sel.Text())
		if strings.Contains(strings.ToLower(text), "currently unavailable") {
			return Availability{StatusText: unavailable}, nil
		}
		if text != "" {
			return Availability{StatusText: text}, nil
		}
	}
	if doc.Find("#outOfStockBuyBox_feature_div").Length() > 0 {
		return Availability{StatusText: unavailable}, nil
	}

	body := doc.Text()
	if m := onlyLeft.FindStringSubmatch(body); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return Availability{
				InStock:    true,
				StatusText: fmt.Sprintf("Only %d left in stock.", n),
				Quantity:   &n,
			}, nil
		}
	}

	inStock := false
	doc.Find(".a-color-success").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		inStock = strings.HasPrefix(strings.ToLower(collapse(s.Text())), "in stock")
		return !inStock
	})
	if inStock {
		return Availability{InStock: true, StatusText: "In Stock."}, nil
	}

	if m := inStockOn.FindStringSubmatch(body); m != nil {
		return Availability{StatusText: "In stock on " + collapse(m[1])}, nil
	}
	if strings.Contains(strings.ToLower(body), "currently unavailable") {
		return Availability{StatusText: unavailable}, nil
	}
	return Availability{}, ErrNoSignal
}

func collapse(s string) string {
	return strings.TrimSpace(whitespaces.ReplaceAllString(s, " "))
}
