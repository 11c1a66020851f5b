package idempotency

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"

	"github.com/autographhq/gatekeeper/internal/models"
	pkghttp "github.com/autographhq/gatekeeper/pkg/http"
)

// Headers recognized and emitted by the middleware.
const (
	HeaderKey    = "Idempotency-Key"
	HeaderKeyAlt = "X-Idempotency-Key"
	HeaderHit    = "X-Idempotency-Hit"
)

const maxKeyLength = 255

// cachedHeaders are the response headers preserved across replays.
var cachedHeaders = []string{"Content-Type", "Location"}

// Middleware deduplicates keyed POST/PUT/PATCH requests. Requests without a
// key, and safe methods regardless of headers, pass through untouched.
//
// The check runs before any rate-limit consumption downstream: a legitimately
// retried request that already succeeded must not burn limiter budget.
func Middleware(store *Store, maxBodyBytes int64, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isUnsafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(HeaderKey)
			if key == "" {
				key = r.Header.Get(HeaderKeyAlt)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				pkghttp.WriteBadRequest(w, "Idempotency key exceeds maximum length")
				return
			}

			ctx := r.Context()

			record, err := store.Lookup(ctx, key)
			if err == nil {
				replayOrConflict(w, record)
				return
			}
			if !errors.Is(err, models.ErrNotFound) {
				// Cache unreachable: fail open and execute, same policy as the
				// rate limiter. At-most-once degrades, availability does not.
				logger.Error("idempotency lookup failed, executing without dedup", slog.Any("error", err))
				w.Header().Set(HeaderHit, "false")
				next.ServeHTTP(w, r)
				return
			}

			claimed, err := store.Claim(ctx, key)
			if err != nil {
				logger.Error("idempotency claim failed, executing without dedup", slog.Any("error", err))
				w.Header().Set(HeaderHit, "false")
				next.ServeHTTP(w, r)
				return
			}
			if !claimed {
				// Lost the race: the winner either completed meanwhile or is
				// still executing.
				record, err := store.Lookup(ctx, key)
				if err == nil {
					replayOrConflict(w, record)
					return
				}
				writeConflict(w)
				return
			}

			recorder := newResponseRecorder(w)
			recorder.Header().Set(HeaderHit, "false")
			next.ServeHTTP(recorder, r)
			recorder.flush()

			if int64(recorder.body.Len()) > maxBodyBytes {
				// Too large to cache; release the claim so a retry executes.
				if err := store.Release(ctx, key); err != nil {
					logger.Error("failed to release oversized idempotency claim", slog.Any("error", err))
				}
				return
			}

			headers := make(map[string]string, len(cachedHeaders))
			for _, name := range cachedHeaders {
				if v := recorder.Header().Get(name); v != "" {
					headers[name] = v
				}
			}

			// Handler errors are valid idempotent results too: a completed 4xx
			// replays the same as a completed 2xx.
			if err := store.Complete(ctx, key, recorder.status, headers, recorder.body.Bytes()); err != nil {
				logger.Error("failed to store idempotency record", slog.Any("error", err))
			}
		})
	}
}

func isUnsafeMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}

func replayOrConflict(w http.ResponseWriter, record *Record) {
	if !record.Completed() {
		writeConflict(w)
		return
	}

	for name, value := range record.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set(HeaderHit, "true")
	w.WriteHeader(record.Status)
	_, _ = w.Write(record.Body)
}

func writeConflict(w http.ResponseWriter) {
	pkghttp.WriteError(w, http.StatusConflict, "idempotency_conflict",
		"A request with this idempotency key is already in progress. Retry shortly.")
}

// responseRecorder buffers the handler's response so it can be cached after
// the fact while still reaching the client unchanged.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *responseRecorder) flush() {
	r.ResponseWriter.WriteHeader(r.status)
	_, _ = r.ResponseWriter.Write(r.body.Bytes())
}
