// Package challenge classifies raw vendor responses: anti-bot interstitials,
// empty bodies, and throttling are turned into typed fetch failures, and
// script-heavy shells are flagged for a headless retry.
package challenge

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// Detector implements a handful of rule-based checks.
type Detector struct {
	BodyLengthThreshold int
}

// New creates a Detector. A zero threshold defaults to 2048 bytes.
func New(threshold int) *Detector {
	if threshold == 0 {
		threshold = 2048
	}
	return &Detector{BodyLengthThreshold: threshold}
}

// Lowercased markers of bot-check pages served with any status.
var challengeMarkers = [][]byte{
	[]byte("/errors/validatecaptcha"),
	[]byte("enter the characters you see below"),
	[]byte("type the characters you see in this image"),
	[]byte("<title>robot check</title>"),
	[]byte("api-services-support@amazon.com"),
	[]byte("cf-challenge"),
	[]byte("attention required! | cloudflare"),
	[]byte("px-captcha"),
}

// Markers that also ship on ordinary pages (Cloudflare's beacon script, a
// storefront's reCAPTCHA widget). They only count on an interstitial.
var ambientMarkers = [][]byte{
	[]byte("challenge-platform"),
	[]byte("g-recaptcha"),
}

// Lowercased fragments only a real storefront page carries.
var productMarkers = [][]byte{
	[]byte("/cart/add"),
	[]byte("gsf_conversion_data"),
	[]byte(`"inventoryqty"`),
	[]byte("add-to-cart"),
	[]byte("id=\"producttitle\""),
}

// Lowercased <title> fragments of interstitial pages.
var interstitialTitles = []string{
	"just a moment",
	"attention required",
	"access denied",
	"are you a robot",
	"verify you are human",
}

// mountPoints are the elements client-side frameworks render into. An empty
// one means the HTML carries no product data yet.
const mountPoints = "#__next, #root, #app, [data-reactroot]"

// scriptTagOverhead approximates the bytes of one "<script></script>" pair.
const scriptTagOverhead = len("<script></script>")

// Classify returns a *tracker.FetchFailure when resp cannot be used, or nil.
// Statuses the source adapters handle themselves (304, 404) pass through.
func (d *Detector) Classify(resp tracker.FetchResponse) error {
	if d.isChallenge(resp) {
		return tracker.NewFetchFailure(tracker.ErrChallengeDetected, resp.URL,
			fmt.Errorf("status %d", resp.StatusCode))
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return tracker.NewFetchFailure(tracker.ErrTransient, resp.URL, fmt.Errorf("throttled: status %d", resp.StatusCode))
	case resp.StatusCode >= http.StatusInternalServerError:
		return tracker.NewFetchFailure(tracker.ErrTransient, resp.URL, fmt.Errorf("server error: status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusOK && len(bytes.TrimSpace(resp.Body)) == 0:
		return tracker.NewFetchFailure(tracker.ErrEmptyResponse, resp.URL, nil)
	}
	return nil
}

// ShouldRender reports whether a successful response looks like a script
// shell whose content only appears after JavaScript runs: an empty framework
// mount point, or a small page that is mostly inline script.
func (d *Detector) ShouldRender(resp tracker.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK || len(resp.Body) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	if hasEmptyMount(doc) {
		return true
	}
	return len(resp.Body) < d.BodyLengthThreshold && scriptShare(doc, len(resp.Body)) >= 25
}

func hasEmptyMount(doc *goquery.Document) bool {
	empty := false
	doc.Find(mountPoints).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		empty = s.Children().Length() == 0 && strings.TrimSpace(s.Text()) == ""
		return !empty
	})
	return empty
}

// scriptShare is the percentage of size taken by script elements.
func scriptShare(doc *goquery.Document, size int) int {
	if size == 0 {
		return 0
	}
	covered := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		covered += len(s.Text()) + scriptTagOverhead
	})
	return min(covered, size) * 100 / size
}

func (d *Detector) isChallenge(resp tracker.FetchResponse) bool {
	if len(resp.Body) == 0 {
		return false
	}
	lower := bytes.ToLower(resp.Body)
	if containsAny(lower, challengeMarkers) {
		return true
	}
	return containsAny(lower, ambientMarkers) && d.looksInterstitial(resp.StatusCode, lower)
}

// looksInterstitial reports whether a page is a gate rather than content: a
// blocking status, a gate title, or a small page without a product form.
func (d *Detector) looksInterstitial(status int, lower []byte) bool {
	switch status {
	case http.StatusForbidden, http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return true
	}
	title := pageTitle(lower)
	for _, t := range interstitialTitles {
		if strings.Contains(title, t) {
			return true
		}
	}
	return len(lower) < d.BodyLengthThreshold && !containsAny(lower, productMarkers)
}

// pageTitle returns the text of the first <title> element of a lowercased page.
func pageTitle(lower []byte) string {
	_, rest, ok := bytes.Cut(lower, []byte("<title"))
	if !ok {
		return ""
	}
	_, rest, ok = bytes.Cut(rest, []byte(">"))
	if !ok {
		return ""
	}
	title, _, _ := bytes.Cut(rest, []byte("</title>"))
	return strings.TrimSpace(string(title))
}

func containsAny(body []byte, markers [][]byte) bool {
	for _, marker := range markers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}
