package ratelimit

import (
	"fmt"
	"time"

	"github.com/autographhq/gatekeeper/internal/models"
)

// BlockedError is returned when an identity has exhausted its failure budget.
// It carries the remaining window so handlers can emit Retry-After.
type BlockedError struct {
	RetryAfter time.Duration
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter)
}

// Is lets errors.Is(err, models.ErrRateLimited) match
func (e *BlockedError) Is(target error) bool {
	return target == models.ErrRateLimited
}
