// Package fetcher composes the fetch pipeline used by every source adapter:
// per-host pacing, a plain HTTP fetch, response classification, and an
// optional headless retry when the plain response is a challenge or a
// script shell.
package fetcher

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/restock-tracker/internal/fetcher/challenge"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

const defaultChallengePenalty = 2 * time.Minute

// Pacer waits for permission to contact a host and can pause it.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
	Penalize(rawURL string, d time.Duration)
}

// Options configures a Client.
type Options struct {
	Primary  tracker.Fetcher
	Headless tracker.Fetcher
	Pacer    Pacer
	Detector *challenge.Detector
	// ChallengePenalty pauses a host after a challenge that headless could not clear.
	ChallengePenalty time.Duration
	Logger           *zap.Logger
}

// Client implements tracker.Fetcher. Its errors are always *tracker.FetchFailure.
type Client struct {
	primary  tracker.Fetcher
	headless tracker.Fetcher
	pacer    Pacer
	detector *challenge.Detector
	penalty  time.Duration
	logger   *zap.Logger
}

var _ tracker.Fetcher = (*Client)(nil)

// NewClient wires a Client. Primary is required.
func NewClient(opts Options) (*Client, error) {
	if opts.Primary == nil {
		return nil, errors.New("primary fetcher is required")
	}
	detector := opts.Detector
	if detector == nil {
		detector = challenge.New(0)
	}
	penalty := opts.ChallengePenalty
	if penalty == 0 {
		penalty = defaultChallengePenalty
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		primary:  opts.Primary,
		headless: opts.Headless,
		pacer:    opts.Pacer,
		detector: detector,
		penalty:  penalty,
		logger:   logger.Named("fetch"),
	}, nil
}

// Fetch returns a usable response or a *tracker.FetchFailure.
func (c *Client) Fetch(ctx context.Context, request tracker.FetchRequest) (tracker.FetchResponse, error) {
	resp, err := c.fetchOnce(ctx, c.primary, request)
	if err != nil {
		if c.shouldEscalate(err) {
			return c.escalate(ctx, request, err)
		}
		return tracker.FetchResponse{}, err
	}
	if c.headless != nil && c.detector.ShouldRender(resp) {
		c.logger.Debug("script shell, rendering headless", zap.String("url", request.URL))
		return c.escalate(ctx, request, nil)
	}
	return resp, nil
}

func (c *Client) fetchOnce(ctx context.Context, f tracker.Fetcher, request tracker.FetchRequest) (tracker.FetchResponse, error) {
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx, request.URL); err != nil {
			return tracker.FetchResponse{}, tracker.NewFetchFailure(tracker.ErrTransient, request.URL, err)
		}
	}
	resp, err := f.Fetch(ctx, request)
	if err != nil {
		var failure *tracker.FetchFailure
		if errors.As(err, &failure) {
			return tracker.FetchResponse{}, err
		}
		return tracker.FetchResponse{}, tracker.NewFetchFailure(tracker.ErrTransient, request.URL, err)
	}
	if err := c.detector.Classify(resp); err != nil {
		if c.pacer != nil {
			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				c.pacer.Penalize(request.URL, retryAfter(resp.Headers, c.penalty))
			case errors.Is(err, tracker.ErrChallengeDetected) && (c.headless == nil || resp.UsedHeadless):
				c.pacer.Penalize(request.URL, c.penalty)
			}
		}
		return tracker.FetchResponse{}, err
	}
	return resp, nil
}

func (c *Client) shouldEscalate(err error) bool {
	return c.headless != nil && errors.Is(err, tracker.ErrChallengeDetected)
}

// escalate retries with the headless fetcher. When it also fails, the
// original failure (if any) is reported.
func (c *Client) escalate(ctx context.Context, request tracker.FetchRequest, original error) (tracker.FetchResponse, error) {
	resp, err := c.fetchOnce(ctx, c.headless, request)
	if err == nil {
		return resp, nil
	}
	c.logger.Warn("headless fetch failed", zap.String("url", request.URL), zap.Error(err))
	if original != nil && !errors.Is(err, tracker.ErrChallengeDetected) {
		return tracker.FetchResponse{}, original
	}
	return tracker.FetchResponse{}, err
}

// retryAfter reads a Retry-After header in seconds, falling back to def.
func retryAfter(h http.Header, def time.Duration) time.Duration {
	if h == nil {
		return def
	}
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}
