package idempotency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMiddleware(cache ResponseCache, maxBodyBytes int64) func(http.Handler) http.Handler {
	store := NewStore(cache, 24*time.Hour, 30*time.Second)
	return Middleware(store, maxBodyBytes, testLogger())
}

// countingHandler returns a distinct body per invocation so replay is
// distinguishable from re-execution.
func countingHandler(calls *atomic.Int64, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"call":%d}`, n)
	})
}

func TestMiddleware_SafeMethodBypassed(t *testing.T) {
	var calls atomic.Int64
	handler := newTestMiddleware(newFakeResponseCache(), 1<<20)(countingHandler(&calls, http.StatusOK))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/resource", nil)
		req.Header.Set(HeaderKey, "key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get(HeaderHit))
	}

	assert.Equal(t, int64(2), calls.Load())
}

func TestMiddleware_NoKeyBypassed(t *testing.T) {
	var calls atomic.Int64
	handler := newTestMiddleware(newFakeResponseCache(), 1<<20)(countingHandler(&calls, http.StatusOK))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/resource", strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, int64(2), calls.Load())
}

func TestMiddleware_FirstRequestExecutesAndCaches(t *testing.T) {
	var calls atomic.Int64
	handler := newTestMiddleware(newFakeResponseCache(), 1<<20)(countingHandler(&calls, http.StatusCreated))

	req := httptest.NewRequest(http.MethodPost, "/resource", strings.NewReader("{}"))
	req.Header.Set(HeaderKey, "key-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "false", rec.Header().Get(HeaderHit))
	assert.Equal(t, `{"call":1}`, rec.Body.String())
	assert.Equal(t, int64(1), calls.Load())
}

func TestMiddleware_ReplayReturnsIdenticalResponse(t *testing.T) {
	var calls atomic.Int64
	handler := newTestMiddleware(newFakeResponseCache(), 1<<20)(countingHandler(&calls, http.StatusCreated))

	first := httptest.NewRequest(http.MethodPost, "/resource", strings.NewReader("{}"))
	first.Header.Set(HeaderKey, "key-1")
	firstRec := httptest.NewRecorder()
	handler.ServeHTTP(firstRec, first)

	second := httptest.NewRequest(http.MethodPost, "/resource", strings.NewReader("{}"))
	second.Header.Set(HeaderKey, "key-1")
	secondRec := httptest.NewRecorder()
	handler.ServeHTTP(secondRec, second)

	assert.Equal(t, int64(1), calls.Load(), "handler must execute at most once")
	assert.Equal(t, firstRec.Code, secondRec.Code)
	assert.Equal(t, firstRec.Body.String(), secondRec.Body.String())
	assert.Equal(t, "application/json", secondRec.Header().Get("Content-Type"))
	assert.Equal(t, "true", secondRec.Header().Get(HeaderHit))
}

func TestMiddleware_AltKeyHeaderAccepted(t *testing.T) {
	var calls atomic.Int64
	handler := newTestMiddleware(newFakeResponseCache(), 1<<20)(countingHandler(&calls, http.StatusOK))

	first := httptest.NewRequest(http.MethodPost, "/resource", strings.NewReader("{}"))
	first.Header.Set(HeaderKeyAlt, "key-1")
	handler.ServeHTTP(httptest.NewRecorder(), first)

	second := httptest.NewRequest(http.MethodPost, "/resource", strings.NewReader("{}"))
	second.Header.Set(HeaderKey, "key-1")
	secondRec := httptest.NewRecorder()
	handler.ServeHTTP(secondRec, second)

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, "true", secondRec.Header().Get(HeaderHit))
}

func TestMiddleware_DistinctKeysExecuteIndependently(t *testing.T) {
	var calls atomic.Int64
	handler := newTestMiddleware(newFakeResponseCache(), 1<<20)(countingHandler(&calls, http.StatusOK))

	for _, key := range []string{"key-1", "key-2"} {
		req := httptest.NewRequest(http.MethodPost, "/resource", strings.NewReader("{}"))
		req.Header.Set(HeaderKey, key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, "false", rec.Header().Get(HeaderHit))
	}

	assert.Equal(t, int64(2), calls.Load())
}

func TestMiddleware_ErrorResponsesReplayed(t *testing.T) {
	var calls atomic.Int64
	handler := newTestMiddleware(newFakeResponseCache(), 1<<20)(countingHandler(&calls, http.StatusUnprocessableEntity))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/resource", strings.NewReader("{}"))
		req.Header.Set(HeaderKey, "key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	}

	assert.Equal(t, int64(1), calls.Load())
}

func TestMiddleware_KeyTooLongRejected(t *testing.T) {
	var calls atomic.Int64
	handler := newTestMiddleware(newFakeResponseCache(), 1<<20)(countingHandler(&calls, http.StatusOK))

	req := httptest.NewRequest(http.MethodPost, "/resource", strings.NewReader("{}"))
	req.Header.Set(HeaderKey, strings.Repeat("x", maxKeyLength+1))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(0), calls.Load())
}

func TestMiddleware_PendingKeyConflicts(t *testing.T) {
	cache := newFakeResponseCache()
	store := NewStore(cache, 24*time.Hour, 30*time.Second)
	handler := Middleware(store, 1<<20, testLogger())(countingHandler(new(atomic.Int64), http.StatusOK))

	// Simulate an in-flight request holding the claim.
	claimed, err := store.Claim(context.Background(), "key-1")
	require.NoError(t, err)
	require.True(t, claimed)

	req := httptest.NewRequest(http.MethodPost, "/resource", strings.NewReader("{}"))
	req.Header.Set(HeaderKey, "key-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "idempotency_conflict")
}

func TestMiddleware_CacheDownFailsOpen(t *testing.T) {
	cache := newFakeResponseCache()
	cache.failWith = errors.New("connection refused")
	var calls atomic.Int64
	handler := newTestMiddleware(cache, 1<<20)(countingHandler(&calls, http.StatusOK))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/resource", strings.NewReader("{}"))
		req.Header.Set(HeaderKey, "key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "false", rec.Header().Get(HeaderHit))
	}

	assert.Equal(t, int64(2), calls.Load(), "dedup degrades but requests still execute")
}

func TestMiddleware_OversizedResponseNotCached(t *testing.T) {
	var calls atomic.Int64
	big := strings.Repeat("a", 64)
	handler := newTestMiddleware(newFakeResponseCache(), 16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(big))
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/resource", strings.NewReader("{}"))
		req.Header.Set(HeaderKey, "key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, big, rec.Body.String())
	}

	assert.Equal(t, int64(2), calls.Load(), "oversized responses are not replayable")
}
