// Package shopify polls a Shopify storefront's products.json catalogue and
// cross-checks claimed availability against the product page quantity.
package shopify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/restock-tracker/internal/source"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

const (
	// DefaultName is the key prefix for this source.
	DefaultName = "shopify-ca"

	defaultStoreURL = "https://soylent.ca"
	giftCardType    = "Gift Card"
	defaultVariant  = "Default Title"
)

var (
	conversionQty = regexp.MustCompile(`(?s)gsf_conversion_data\b.*?quantity\s*:\s*"(-?\d+)"`)
	inventoryQty  = regexp.MustCompile(`"inventoryQty":\s*(\d+)`)
)

// Config configures the Shopify source.
type Config struct {
	Name        string
	StoreURL    string
	ProductsURL string
	Pacer       source.Pacer
	// CrossCheck fetches each available physical product's page to confirm quantity.
	CrossCheck bool
	// NoExpand lists product keys that stay aggregated even when they have variants.
	NoExpand []string
}

// Source implements tracker.Source.
type Source struct {
	cfg      Config
	fetcher  tracker.Fetcher
	clock    tracker.Clock
	logger   *zap.Logger
	noExpand map[tracker.VariantKey]struct{}

	mu   sync.Mutex
	etag string
	last []tracker.Observation
	// lastFailures are the catalogue's per-variant parse failures, replayed
	// while the catalogue is unchanged.
	lastFailures []tracker.VariantFailure
	// unchecked holds candidates whose page cross-check failed; a 304 retries them.
	unchecked []candidate
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
	if cfg.StoreURL == "" {
		cfg.StoreURL = defaultStoreURL
	}
	cfg.StoreURL = strings.TrimRight(cfg.StoreURL, "/")
	if cfg.ProductsURL == "" {
		cfg.ProductsURL = cfg.StoreURL + "/products.json?limit=250"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	noExpand := make(map[tracker.VariantKey]struct{}, len(cfg.NoExpand))
	for _, k := range cfg.NoExpand {
		noExpand[tracker.VariantKey(k)] = struct{}{}
	}
	return &Source{
		cfg:      cfg,
		fetcher:  fetcher,
		clock:    clock,
		logger:   logger.Named("shopify"),
		noExpand: noExpand,
	}, nil
}

// Name returns the key prefix.
func (s *Source) Name() string {
	return s.cfg.Name
}

type catalogue struct {
	Products *[]product `json:"products"`
}

type product struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Handle      string    `json:"handle"`
	ProductType string    `json:"product_type"`
	Variants    []variant `json:"variants"`
}

type variant struct {
	ID               int64  `json:"id"`
	Title            string `json:"title"`
	Available        *bool  `json:"available"`
	Price            string `json:"price"`
	RequiresShipping *bool  `json:"requires_shipping"`
}

// candidate is an observation that may still need a page cross-check.
type candidate struct {
	obs       tracker.Observation
	handle    string
	variantID string
	check     bool
}

// Poll fetches the catalogue and returns one observation per tracked key.
func (s *Source) Poll(ctx context.Context) (tracker.PollResult, error) {
	s.mu.Lock()
	etag, hasLast := s.etag, s.last != nil
	s.mu.Unlock()

	headers := http.Header{}
	headers.Set("Accept", "application/json")
	if etag != "" && hasLast {
		headers.Set("If-None-Match", etag)
	}
	resp, err := s.fetcher.Fetch(ctx, tracker.FetchRequest{URL: s.cfg.ProductsURL, Headers: headers})
	if err != nil {
		return tracker.PollResult{}, err
	}

	if resp.StatusCode == http.StatusNotModified && hasLast {
		s.logger.Info("catalogue not modified")
		return s.replay(ctx)
	}
	if resp.StatusCode != http.StatusOK {
		return tracker.PollResult{}, tracker.NewFetchFailure(tracker.ErrTransient, s.cfg.ProductsURL,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var cat catalogue
	if err := json.Unmarshal(resp.Body, &cat); err != nil {
		return tracker.PollResult{}, &tracker.ParseFailure{Source: s.cfg.Name, Err: fmt.Errorf("decode catalogue: %w", err)}
	}
	if cat.Products == nil {
		return tracker.PollResult{}, &tracker.ParseFailure{Source: s.cfg.Name, Err: errors.New("catalogue has no products field")}
	}
	s.logger.Info("fetched catalogue", zap.Int("products", len(*cat.Products)))

	now := s.clock.Now()
	var (
		candidates []candidate
		unchecked  []candidate
		result     tracker.PollResult
	)
	for _, p := range *cat.Products {
		cands, failures := s.normalize(p, now)
		candidates = append(candidates, cands...)
		result.Failures = append(result.Failures, failures...)
	}
	parseFailures := append([]tracker.VariantFailure(nil), result.Failures...)

	if s.cfg.CrossCheck {
		checked, missed, failures, err := s.crossCheck(ctx, candidates)
		if err != nil {
			return tracker.PollResult{}, err
		}
		candidates, unchecked = checked, missed
		result.Failures = append(result.Failures, failures...)
	}
	for _, c := range candidates {
		result.Observations = append(result.Observations, c.obs)
	}

	s.mu.Lock()
	s.etag = resp.Headers.Get("ETag")
	s.last = cloneObservations(result.Observations)
	s.lastFailures = parseFailures
	s.unchecked = unchecked
	s.mu.Unlock()
	return result, nil
}

func (s *Source) normalize(p product, now time.Time) ([]candidate, []tracker.VariantFailure) {
	if len(p.Variants) == 0 {
		return nil, nil
	}
	productID := strconv.FormatInt(p.ID, 10)
	parentKey := tracker.NewVariantKey(s.cfg.Name, productID)

	if s.expands(p, parentKey) {
		var (
			out      []candidate
			failures []tracker.VariantFailure
		)
		for _, v := range p.Variants {
			variantID := strconv.FormatInt(v.ID, 10)
			key := tracker.NewVariantKey(s.cfg.Name, productID, variantID)
			if v.Available == nil {
				failures = append(failures, tracker.VariantFailure{Key: key, Err: s.missingAvailability(key)})
				continue
			}
			out = append(out, candidate{
				obs: tracker.Observation{
					Key:        key,
					InStock:    *v.Available,
					ObservedAt: now,
					Title:      p.Title + " - " + v.Title,
					URL:        s.productURL(p.Handle, variantID),
					Price:      v.Price,
				},
				handle:    p.Handle,
				variantID: variantID,
				check:     *v.Available,
			})
		}
		return out, failures
	}

	available, physical := false, false
	for _, v := range p.Variants {
		if v.Available == nil {
			return nil, []tracker.VariantFailure{{Key: parentKey, Err: s.missingAvailability(parentKey)}}
		}
		available = available || *v.Available
		physical = physical || v.RequiresShipping == nil || *v.RequiresShipping
	}
	return []candidate{{
		obs: tracker.Observation{
			Key:        parentKey,
			InStock:    available,
			ObservedAt: now,
			Title:      p.Title,
			URL:        s.productURL(p.Handle, ""),
			Price:      p.Variants[0].Price,
		},
		handle: p.Handle,
		check:  available && physical,
	}}, nil
}

func (s *Source) expands(p product, parentKey tracker.VariantKey) bool {
	if len(p.Variants) <= 1 || p.ProductType == giftCardType {
		return false
	}
	if _, ok := s.noExpand[parentKey]; ok {
		return false
	}
	for _, v := range p.Variants {
		if v.Title != "" && v.Title != defaultVariant {
			return true
		}
	}
	return false
}

func (s *Source) missingAvailability(key tracker.VariantKey) error {
	return &tracker.ParseFailure{Source: s.cfg.Name, Err: fmt.Errorf("%s: availability field missing", key)}
}

// crossCheck fetches product pages one at a time, pacing between requests.
// A page quantity of zero or less overrides the catalogue to out of stock.
// Candidates whose page could not be read come back in missed, each with a
// matching entry in failures.
func (s *Source) crossCheck(ctx context.Context, in []candidate) (out, missed []candidate, failures []tracker.VariantFailure, err error) {
	out = make([]candidate, 0, len(in))
	fetched := 0
	for _, c := range in {
		if !c.check {
			out = append(out, c)
			continue
		}
		if fetched > 0 {
			if err := s.cfg.Pacer.Pause(ctx); err != nil {
				return nil, nil, nil, tracker.NewFetchFailure(tracker.ErrTransient, c.obs.URL, err)
			}
		}
		fetched++
		qty, err := s.pageQuantity(ctx, c.obs.URL)
		if err != nil {
			s.logger.Warn("page cross-check failed", zap.String("key", string(c.obs.Key)), zap.Error(err))
			failures = append(failures, tracker.VariantFailure{Key: c.obs.Key, Err: err})
			missed = append(missed, c)
			continue
		}
		if qty != nil {
			if *qty <= 0 {
				s.logger.Info("page quantity overrides catalogue",
					zap.String("key", string(c.obs.Key)), zap.Int("quantity", *qty))
				c.obs.InStock = false
			} else {
				c.obs.Quantity = qty
			}
		}
		out = append(out, c)
	}
	return out, missed, failures, nil
}

func (s *Source) pageQuantity(ctx context.Context, pageURL string) (*int, error) {
	resp, err := s.fetcher.Fetch(ctx, tracker.FetchRequest{URL: pageURL})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, tracker.NewFetchFailure(tracker.ErrTransient, pageURL, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return ParsePageQuantity(resp.Body), nil
}

// ParsePageQuantity extracts the inventory count embedded in a product page,
// or nil when the page does not carry one. Oversold pages report negatives.
func ParsePageQuantity(html []byte) *int {
	if m := conversionQty.FindSubmatch(html); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil {
			return &n
		}
	}
	if m := inventoryQty.FindSubmatch(html); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil {
			return &n
		}
	}
	return nil
}

func (s *Source) productURL(handle, variantID string) string {
	u := s.cfg.StoreURL + "/products/" + handle
	if variantID != "" {
		u += "?variant=" + variantID
	}
	return u
}

// replay answers a 304: the last successful observations are stamped with
// the current time, the last parse failures repeat, and keys whose page
// cross-check failed are checked again.
func (s *Source) replay(ctx context.Context) (tracker.PollResult, error) {
	now := s.clock.Now()
	s.mu.Lock()
	result := tracker.PollResult{
		Observations: cloneObservations(s.last),
		Failures:     append([]tracker.VariantFailure(nil), s.lastFailures...),
	}
	retry := append([]candidate(nil), s.unchecked...)
	s.mu.Unlock()

	for i := range result.Observations {
		result.Observations[i].ObservedAt = now
	}
	if len(retry) == 0 {
		return result, nil
	}
	for i := range retry {
		retry[i].obs.ObservedAt = now
	}
	checked, missed, failures, err := s.crossCheck(ctx, retry)
	if err != nil {
		return tracker.PollResult{}, err
	}
	recovered := make([]tracker.Observation, 0, len(checked))
	for _, c := range checked {
		recovered = append(recovered, c.obs)
	}
	result.Observations = append(result.Observations, recovered...)
	result.Failures = append(result.Failures, failures...)

	s.mu.Lock()
	s.last = append(s.last, cloneObservations(recovered)...)
	s.unchecked = missed
	s.mu.Unlock()
	return result, nil
}

func cloneObservations(in []tracker.Observation) []tracker.Observation {
	out := make([]tracker.Observation, len(in))
	for i, o := range in {
		out[i] = o
		if o.Quantity != nil {
			out[i].Quantity = tracker.IntPtr(*o.Quantity)
		}
	}
	return out
}
