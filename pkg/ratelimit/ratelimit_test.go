package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLocalStoreFixedWindow(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := NewLocalStore().WithClock(clock.Now)
	ctx := context.Background()

	count, resetAt, err := s.Incr(ctx, "ip:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, clock.Now().Add(time.Minute), resetAt)

	count, _, err = s.Incr(ctx, "ip:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Separate buckets count independently.
	count, _, err = s.Incr(ctx, "ip:5.6.7.8", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// The window resets once now reaches resetAt.
	clock.Advance(time.Minute)
	count, _, err = s.Incr(ctx, "ip:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestLocalStoreSweep(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := NewLocalStore().WithClock(clock.Now)
	ctx := context.Background()

	_, _, err := s.Incr(ctx, "a", time.Minute)
	require.NoError(t, err)
	_, _, err = s.Incr(ctx, "b", time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.Sweep())
}

func TestRedisStoreSharesCounts(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedisStore(client, "test")
	b := NewRedisStore(client, "test")
	ctx := context.Background()

	count, _, err := a.Incr(ctx, "key:abc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, _, err = b.Incr(ctx, "key:abc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// TTL was stamped on first increment.
	mr.FastForward(2 * time.Minute)
	count, _, err = a.Incr(ctx, "key:abc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(t *testing.T, h http.Handler, apiKey, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", "/api/services", nil)
	req.RemoteAddr = remoteAddr
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewarePerKeyAndPerIP(t *testing.T) {
	t.Parallel()

	limiter := NewLimiter(NewLocalStore(), 1, time.Minute)
	h := limiter.Middleware(okHandler())

	keyA := "pbk_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	keyB := "pbk_bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	first := doRequest(t, h, keyA, "203.0.113.7:1000")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, first.Header().Get("X-RateLimit-Reset"))

	second := doRequest(t, h, keyA, "203.0.113.7:1000")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "RATE_LIMITED")

	// A different key has its own window.
	other := doRequest(t, h, keyB, "203.0.113.7:1000")
	assert.Equal(t, http.StatusOK, other.Code)

	// Anonymous callers bucket by IP, independent of each other.
	assert.Equal(t, http.StatusOK, doRequest(t, h, "", "198.51.100.1:2000").Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(t, h, "", "198.51.100.1:2000").Code)
	assert.Equal(t, http.StatusOK, doRequest(t, h, "", "198.51.100.2:2000").Code)
}

func TestMiddlewareFailsOpenOnStoreError(t *testing.T) {
	t.Parallel()

	limiter := NewLimiter(brokenStore{}, 1, time.Minute)
	h := limiter.Middleware(okHandler())

	assert.Equal(t, http.StatusOK, doRequest(t, h, "", "203.0.113.7:1000").Code)
	assert.Equal(t, http.StatusOK, doRequest(t, h, "", "203.0.113.7:1000").Code)
}

type brokenStore struct{}

func (brokenStore) Incr(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, context.DeadlineExceeded
}
