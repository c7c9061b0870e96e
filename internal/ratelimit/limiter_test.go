package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}
func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}
func (failingStore) Delete(context.Context, string) error { return errors.New("connection refused") }

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) ObserveRateLimit(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string]int{}
	}
	o.outcomes[outcome]++
}

func newMemoryLimiter(limit int, c *clock) *Limiter {
	store := NewMemoryStore()
	store.now = c.Now
	return New(Config{Store: store, Limit: limit, Logger: testLogger(), Now: c.Now})
}

func TestLimiter_RejectsAfterLimit(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 10, 15, 20, 0, time.UTC)}
	l := newMemoryLimiter(3, c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.TryAcquire(ctx, "alice")
		require.True(t, d.Allowed, "acquisition %d", i+1)
		assert.Equal(t, 3-(i+1), d.Remaining)
		assert.Equal(t, 40, d.ResetSeconds)
	}

	d := l.TryAcquire(ctx, "alice")
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Equal(t, 40, d.ResetSeconds)

	// Other identities are unaffected.
	assert.True(t, l.TryAcquire(ctx, "bob").Allowed)
}

func TestLimiter_AllowsAfterWindowReset(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 10, 15, 50, 0, time.UTC)}
	l := newMemoryLimiter(2, c)
	ctx := context.Background()

	l.TryAcquire(ctx, "alice")
	l.TryAcquire(ctx, "alice")
	d := l.TryAcquire(ctx, "alice")
	require.False(t, d.Allowed)

	c.Advance(time.Duration(d.ResetSeconds) * time.Second)
	d = l.TryAcquire(ctx, "alice")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestLimiter_FailOpen(t *testing.T) {
	obs := &countingObserver{}
	l := New(Config{Store: failingStore{}, Limit: 5, FailOpen: true, Observer: obs, Logger: testLogger()})

	d := l.TryAcquire(context.Background(), "alice")
	assert.True(t, d.Allowed)
	assert.Equal(t, 5, d.Remaining)
	assert.Equal(t, 60, d.ResetSeconds)
	assert.Equal(t, 1, obs.outcomes[OutcomeFailOpen])
}

func TestLimiter_FailClosed(t *testing.T) {
	obs := &countingObserver{}
	l := New(Config{Store: failingStore{}, Limit: 5, FailOpen: false, Observer: obs, Logger: testLogger()})

	d := l.TryAcquire(context.Background(), "alice")
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, obs.outcomes[OutcomeFailClosed])
}

func TestLimiter_UsageAndReset(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)}
	l := newMemoryLimiter(10, c)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.TryAcquire(ctx, "alice")
	}
	used, d, err := l.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, used)
	assert.Equal(t, 6, d.Remaining)

	require.NoError(t, l.Reset(ctx, "alice"))
	used, _, err = l.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestLimiter_ConcurrentNeverExceedsLimit(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)}
	l := newMemoryLimiter(20, c)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire(ctx, "alice").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, allowed)
}

func TestLimiter_KeyFormat(t *testing.T) {
	l := New(Config{Store: NewMemoryStore()})
	ts := time.Date(2026, 3, 1, 10, 15, 42, 0, time.UTC)
	assert.Equal(t, "rate_limit:alice:202603011015", l.key("alice", ts))
}

func TestRedisStore_Limiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := &clock{t: time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)}
	l := New(Config{Store: NewRedisStore(client), Limit: 2, Logger: testLogger(), Now: c.Now})
	ctx := context.Background()

	assert.True(t, l.TryAcquire(ctx, "alice").Allowed)
	assert.True(t, l.TryAcquire(ctx, "alice").Allowed)
	assert.False(t, l.TryAcquire(ctx, "alice").Allowed)

	key := "rate_limit:alice:202603011015"
	assert.Equal(t, "2", mustGet(t, mr, key))
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(61 * time.Second)
	assert.False(t, mr.Exists(key))

	c.Advance(time.Minute)
	assert.True(t, l.TryAcquire(ctx, "alice").Allowed)
}

func TestRedisStore_UnreachableFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	l := New(Config{Store: NewRedisStore(client), Limit: 2, FailOpen: true, Logger: testLogger()})
	d := l.TryAcquire(context.Background(), "alice")
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
