// Package ratelimit paces outbound requests per host with a token bucket and
// pauses a host after an anti-bot signal. Repeated signals escalate the pause.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/restock-tracker/internal/metrics"
)

const defaultMaxPenalty = 30 * time.Minute

// HostLimit overrides the default pacing for one host.
type HostLimit struct {
	RPS   float64
	Burst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// Hosts maps a hostname ("www." is ignored) to its own limit.
	Hosts map[string]HostLimit
	// MaxPenalty caps an escalated pause. Zero means 30 minutes.
	MaxPenalty time.Duration
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu         sync.Mutex
	hosts      map[string]*host
	fallback   HostLimit
	overrides  map[string]HostLimit
	maxPenalty time.Duration
	now        func() time.Time
}

type host struct {
	bucket      *rate.Limiter
	pausedUntil time.Time
	strikes     int
}

// New creates a Limiter. A non-positive rate disables pacing for that host.
func New(cfg Config) *Limiter {
	overrides := make(map[string]HostLimit, len(cfg.Hosts))
	for name, limit := range cfg.Hosts {
		overrides[normalizeHost(name)] = limit
	}
	maxPenalty := cfg.MaxPenalty
	if maxPenalty <= 0 {
		maxPenalty = defaultMaxPenalty
	}
	return &Limiter{
		hosts:      make(map[string]*host),
		fallback:   HostLimit{RPS: cfg.DefaultRPS, Burst: cfg.DefaultBurst},
		overrides:  overrides,
		maxPenalty: maxPenalty,
		now:        time.Now,
	}
}

// Wait blocks until the host of rawURL may be contacted, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	name := hostOf(rawURL)
	start := l.now()

	for {
		l.mu.Lock()
		h := l.hostLocked(name)
		pause := h.pausedUntil.Sub(l.now())
		l.mu.Unlock()
		if pause <= 0 {
			if err := h.bucket.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit wait for %s: %w", name, err)
			}
			break
		}
		// A penalty can be extended while we sleep, so check again after.
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s paused: %w", name, ctx.Err())
		case <-timer.C:
		}
	}

	if waited := l.now().Sub(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(name, waited)
	}
	return nil
}

// Penalize pauses the host of rawURL for d. A penalty that lands within d of
// the previous pause ending doubles it, up to MaxPenalty. Overlapping
// penalties keep the later deadline.
func (l *Limiter) Penalize(rawURL string, d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.hostLocked(hostOf(rawURL))
	now := l.now()

	if !h.pausedUntil.IsZero() && now.Before(h.pausedUntil.Add(d)) {
		h.strikes++
	} else {
		h.strikes = 1
	}
	pause := d
	for i := 1; i < h.strikes && pause < l.maxPenalty; i++ {
		pause *= 2
	}
	pause = min(pause, l.maxPenalty)

	if until := now.Add(pause); until.After(h.pausedUntil) {
		h.pausedUntil = until
	}
}

// PausedUntil reports the end of the current penalty for the host of rawURL.
func (l *Limiter) PausedUntil(rawURL string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hostLocked(hostOf(rawURL)).pausedUntil
}

func (l *Limiter) hostLocked(name string) *host {
	h, ok := l.hosts[name]
	if !ok {
		limit, found := l.overrides[name]
		if !found {
			limit = l.fallback
		}
		h = &host{bucket: newBucket(limit)}
		l.hosts[name] = h
	}
	return h
}

func newBucket(limit HostLimit) *rate.Limiter {
	r := rate.Limit(limit.RPS)
	if limit.RPS <= 0 {
		r = rate.Inf
	}
	return rate.NewLimiter(r, max(limit.Burst, 1))
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return normalizeHost(u.Hostname())
}

func normalizeHost(name string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "www.")
}
