package ratelimit_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/autographhq/gatekeeper/internal/ratelimit"
)

// fakeCounterStore implements ratelimit.CounterStore in memory
type fakeCounterStore struct {
	mu       sync.Mutex
	counts   map[string]int64
	ttls     map[string]time.Duration
	failWith error
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{
		counts: make(map[string]int64),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeCounterStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	f.counts[key]++
	if f.counts[key] == 1 {
		f.ttls[key] = ttl
	}
	return f.counts[key], nil
}

func (f *fakeCounterStore) Get(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	return f.counts[key], nil
}

func (f *fakeCounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	return f.ttls[key], nil
}

func (f *fakeCounterStore) Reset(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	delete(f.counts, key)
	delete(f.ttls, key)
	return nil
}

func newTestLimiter(store ratelimit.CounterStore) *ratelimit.Limiter {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return ratelimit.NewLimiter(store, ratelimit.Config{
		MaxFailures: 5,
		Window:      15 * time.Minute,
	}, logger)
}

func TestLimiterCheck_CleanIdentityAllowed(t *testing.T) {
	limiter := newTestLimiter(newFakeCounterStore())

	decision := limiter.Check(context.Background(), "login", "192.168.1.1")

	assert.True(t, decision.Allowed())
	assert.Equal(t, ratelimit.StateClean, decision.State)
	assert.Equal(t, int64(0), decision.Count)
}

func TestLimiterCheck_CountingBelowThreshold(t *testing.T) {
	store := newFakeCounterStore()
	limiter := newTestLimiter(store)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := limiter.RecordFailure(ctx, "login", "192.168.1.1")
		assert.NoError(t, err)
	}

	decision := limiter.Check(ctx, "login", "192.168.1.1")

	assert.True(t, decision.Allowed())
	assert.Equal(t, ratelimit.StateCounting, decision.State)
	assert.Equal(t, int64(4), decision.Count)
}

func TestLimiterCheck_BlocksAtThreshold(t *testing.T) {
	store := newFakeCounterStore()
	limiter := newTestLimiter(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := limiter.RecordFailure(ctx, "login", "192.168.1.1")
		assert.NoError(t, err)
	}

	decision := limiter.Check(ctx, "login", "192.168.1.1")

	assert.False(t, decision.Allowed())
	assert.Equal(t, ratelimit.StateBlocked, decision.State)
	assert.Equal(t, 15*time.Minute, decision.RetryAfter)
}

func TestLimiterCheck_IdentitiesAreIndependent(t *testing.T) {
	store := newFakeCounterStore()
	limiter := newTestLimiter(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := limiter.RecordFailure(ctx, "login", "10.0.0.1")
		assert.NoError(t, err)
	}

	blocked := limiter.Check(ctx, "login", "10.0.0.1")
	clean := limiter.Check(ctx, "login", "10.0.0.2")

	assert.False(t, blocked.Allowed())
	assert.True(t, clean.Allowed())
	assert.Equal(t, ratelimit.StateClean, clean.State)
}

func TestLimiterReset_ClearsCounter(t *testing.T) {
	store := newFakeCounterStore()
	limiter := newTestLimiter(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := limiter.RecordFailure(ctx, "login", "192.168.1.1")
		assert.NoError(t, err)
	}
	assert.False(t, limiter.Check(ctx, "login", "192.168.1.1").Allowed())

	err := limiter.Reset(ctx, "login", "192.168.1.1")
	assert.NoError(t, err)

	decision := limiter.Check(ctx, "login", "192.168.1.1")
	assert.True(t, decision.Allowed())
	assert.Equal(t, ratelimit.StateClean, decision.State)
}

func TestLimiterCheck_FailsOpenOnStoreError(t *testing.T) {
	store := newFakeCounterStore()
	store.failWith = errors.New("connection refused")
	limiter := newTestLimiter(store)

	decision := limiter.Check(context.Background(), "login", "192.168.1.1")

	assert.True(t, decision.Allowed())
	assert.Equal(t, ratelimit.StateClean, decision.State)
}

func TestLimiterRecordFailure_ReturnsPostIncrementCount(t *testing.T) {
	store := newFakeCounterStore()
	limiter := newTestLimiter(store)
	ctx := context.Background()

	count, err := limiter.RecordFailure(ctx, "login", "192.168.1.1")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = limiter.RecordFailure(ctx, "login", "192.168.1.1")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
