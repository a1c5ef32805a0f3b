package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()
	// 10 RPS with burst 1: one token every 100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://soylent.ca/products.json"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://soylent.ca/products/cacao"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_DifferentHosts(t *testing.T) {
	t.Parallel()
	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example/1"))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "host B must not be blocked by A")
}

func TestLimiter_Unlimited(t *testing.T) {
	t.Parallel()
	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(ctx, "https://www.amazon.ca/dp/B00"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiter_Penalize(t *testing.T) {
	t.Parallel()
	l := New(Config{})
	ctx := context.Background()

	l.Penalize("https://www.amazon.ca/dp/B01", 150*time.Millisecond)
	l.Penalize("https://www.amazon.ca/dp/B02", time.Millisecond)
	assert.False(t, l.PausedUntil("https://www.amazon.ca/").IsZero())

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://www.amazon.ca/dp/B03"))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "longer penalty wins")

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://soylent.ca/"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_WaitCanceled(t *testing.T) {
	t.Parallel()
	l := New(Config{})
	l.Penalize("https://www.amazon.ca/", time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://www.amazon.ca/dp/B00")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_HostOverride(t *testing.T) {
	t.Parallel()
	l := New(Config{
		DefaultRPS:   1000,
		DefaultBurst: 10,
		Hosts:        map[string]HostLimit{"WWW.Amazon.ca": {RPS: 10, Burst: 1}},
	})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://www.amazon.ca/dp/B01"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://amazon.ca/dp/B02"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond, "www. and bare host share a bucket")

	start = time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx, "https://soylent.ca/products.json"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_PenaltyEscalates(t *testing.T) {
	t.Parallel()
	l := New(Config{MaxPenalty: 3 * time.Minute})
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	l.now = func() time.Time { return now }
	const product = "https://www.amazon.ca/dp/B00"

	l.Penalize(product, time.Minute)
	assert.Equal(t, t0.Add(time.Minute), l.PausedUntil(product))

	now = t0.Add(90 * time.Second)
	l.Penalize(product, time.Minute)
	assert.Equal(t, now.Add(2*time.Minute), l.PausedUntil(product), "second strike doubles")

	now = now.Add(2*time.Minute + 10*time.Second)
	l.Penalize(product, time.Minute)
	assert.Equal(t, now.Add(3*time.Minute), l.PausedUntil(product), "capped at MaxPenalty")

	now = now.Add(time.Hour)
	l.Penalize(product, time.Minute)
	assert.Equal(t, now.Add(time.Minute), l.PausedUntil(product), "strikes reset after a quiet spell")
}

func TestHostOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "soylent.ca", hostOf("https://WWW.soylent.ca/products.json"))
	assert.Equal(t, "unknown", hostOf("::not a url"))
	assert.Equal(t, "unknown", hostOf("/relative"))
}
