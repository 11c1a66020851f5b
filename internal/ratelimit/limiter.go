package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CounterStore defines the atomic counter operations the limiter needs.
// Implementations must be safe under concurrent callers across replicas.
type CounterStore interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Reset(ctx context.Context, key string) error
}

// State is the explicit rate-limit state of one (action, identity) pair.
type State int

const (
	StateClean State = iota
	StateCounting
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateCounting:
		return "counting"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	State      State
	Count      int64
	RetryAfter time.Duration // remaining window when blocked
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.State != StateBlocked
}

// Config holds limiter thresholds.
type Config struct {
	MaxFailures int           // attempts allowed before blocking
	Window      time.Duration // counter lifetime from the first failure
}

// Limiter enforces "at most N failures per identity per window" using a shared
// counter store. Identities (client IPs) are tracked independently so one
// exhausted identity never affects another.
type Limiter struct {
	store  CounterStore
	config Config
	logger *slog.Logger
}

func NewLimiter(store CounterStore, config Config, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		config: config,
		logger: logger,
	}
}

// Check returns the current state for (action, identity). Store errors fail
// open: availability wins over strictness for legitimate users, and the
// decision is logged for out-of-band alerting.
func (l *Limiter) Check(ctx context.Context, action, identity string) Decision {
	key := counterKey(action, identity)

	count, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.Error("rate limit check failed, failing open",
			slog.String("action", action),
			slog.Any("error", err))
		return Decision{State: StateClean}
	}

	if count >= int64(l.config.MaxFailures) {
		retryAfter, err := l.store.TTL(ctx, key)
		if err != nil {
			l.logger.Error("failed to read rate limit window ttl",
				slog.String("action", action),
				slog.Any("error", err))
			retryAfter = l.config.Window
		}
		l.logger.Warn("identity rate limited",
			slog.String("action", action),
			slog.String("identity", identity),
			slog.Int64("failures", count),
			slog.Duration("retry_after", retryAfter))
		return Decision{State: StateBlocked, Count: count, RetryAfter: retryAfter}
	}

	if count > 0 {
		return Decision{State: StateCounting, Count: count}
	}

	return Decision{State: StateClean}
}

// RecordFailure counts one failed attempt against (action, identity). The
// window TTL attaches on the first failure only.
func (l *Limiter) RecordFailure(ctx context.Context, action, identity string) (int64, error) {
	count, err := l.store.Increment(ctx, counterKey(action, identity), l.config.Window)
	if err != nil {
		return 0, fmt.Errorf("failed to record %s failure: %w", action, err)
	}
	return count, nil
}

// Reset clears the counter for (action, identity). Called after a successful
// attempt so a legitimate user who mistyped a few times starts fresh.
func (l *Limiter) Reset(ctx context.Context, action, identity string) error {
	if err := l.store.Reset(ctx, counterKey(action, identity)); err != nil {
		return fmt.Errorf("failed to reset %s counter: %w", action, err)
	}
	return nil
}

func counterKey(action, identity string) string {
	return "ratelimit:" + action + ":" + identity
}
