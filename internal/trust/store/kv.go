package store

import (
	"context"
	"time"
)

// KeyValue is the volatile counter/cache contract behind the attempt guard
// and risk-profile caching: point get/set, atomic increment, TTL expiry.
// Drivers exist for redis and in-process memory. Loss of this state must be
// survivable: the guard fails open with a logged gap, never into lockout.
type KeyValue interface {
	// Get returns the value for key, ErrNotFound on miss or expiry.
	Get(ctx context.Context, key string) (string, error)

	// Set writes value with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Incr atomically increments the counter at key, creating it at 1 with
	// the given TTL. The TTL is only applied on creation so a failure window
	// ends a fixed time after the first failure, not the last.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Del removes key. Missing keys are not an error.
	Del(ctx context.Context, key string) error
}
