package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/autographhq/gatekeeper/internal/models"
)

// ResponseCache defines the key-value primitives the idempotency store needs.
type ResponseCache interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetBytes(ctx context.Context, key string) ([]byte, error)
	Reset(ctx context.Context, key string) error
}

// Record states
const (
	statePending   = "pending"
	stateCompleted = "completed"
)

// Record is the cached outcome of one keyed mutating request.
type Record struct {
	State       string            `json:"state"`
	Status      int               `json:"status,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Completed reports whether the record carries a replayable response.
func (r *Record) Completed() bool {
	return r.State == stateCompleted
}

// Store deduplicates retried mutating requests. A key is claimed atomically
// before the handler runs, so concurrent requests sharing an unseen key
// execute the underlying operation at most once.
type Store struct {
	cache          ResponseCache
	ttl            time.Duration
	pendingTimeout time.Duration
}

func NewStore(cache ResponseCache, ttl, pendingTimeout time.Duration) *Store {
	return &Store{
		cache:          cache,
		ttl:            ttl,
		pendingTimeout: pendingTimeout,
	}
}

// Lookup returns the record for key, or models.ErrNotFound on a miss.
func (s *Store) Lookup(ctx context.Context, key string) (*Record, error) {
	raw, err := s.cache.GetBytes(ctx, cacheKey(key))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("corrupt idempotency record: %w", err)
	}

	return &record, nil
}

// Claim marks key as in-flight. Returns false when another request holds the
// claim or already completed it. The pending marker expires on its own so a
// crashed handler cannot wedge the key forever.
func (s *Store) Claim(ctx context.Context, key string) (bool, error) {
	marker, err := json.Marshal(Record{State: statePending})
	if err != nil {
		return false, err
	}

	claimed, err := s.cache.SetNX(ctx, cacheKey(key), marker, s.pendingTimeout)
	if err != nil {
		return false, fmt.Errorf("idempotency claim failed: %w", err)
	}
	return claimed, nil
}

// Complete fills a claimed key with the handler's response for later replay.
func (s *Store) Complete(ctx context.Context, key string, status int, headers map[string]string, body []byte) error {
	now := time.Now().UTC()
	record := Record{
		State:       stateCompleted,
		Status:      status,
		Headers:     headers,
		Body:        body,
		CompletedAt: &now,
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}

	if err := s.cache.SetBytes(ctx, cacheKey(key), raw, s.ttl); err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

// Release drops a claim without filling it, so a retry can execute fresh.
// Used when the response is too large to cache.
func (s *Store) Release(ctx context.Context, key string) error {
	return s.cache.Reset(ctx, cacheKey(key))
}

func cacheKey(key string) string {
	return "idempotency:" + key
}
