package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// The trust core's error taxonomy. Callers branch on these with errors.Is;
// everything else that escapes a service is an internal error.
var (
	// ErrInvalidCredential is user-correctable: wrong code, unknown
	// credential, bad signature.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrThrottled is retryable after the interval carried by the
	// ThrottledError wrapping it.
	ErrThrottled = errors.New("throttled")

	// ErrExpired means the flow must restart: challenge or session window
	// passed.
	ErrExpired = errors.New("expired")

	// ErrClonedCredentialSuspected is non-retryable and needs re-enrollment
	// or admin action.
	ErrClonedCredentialSuspected = errors.New("cloned credential suspected")

	// ErrIntegrityViolation is operator-actionable and never silently
	// dropped.
	ErrIntegrityViolation = errors.New("ledger integrity violation")

	// ErrDependencyUnavailable is transient; the caller may retry with
	// backoff. The core itself never retries, so mutation counters are
	// never double-applied.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// ThrottledError carries the earliest time a retry can succeed.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled, retry after %s", e.RetryAfter)
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// Denial is what the enclosing layer may show a caller: the coarse category
// and a correlation id, never which specific factor failed. The full detail
// lives in the audit ledger under the same correlation id.
type Denial struct {
	// Category is a taxonomy sentinel or a value unwrapping to one, such as
	// a ThrottledError carrying its retry hint.
	Category      error
	CorrelationID string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s (ref %s)", d.Category.Error(), d.CorrelationID)
}

func (d *Denial) Unwrap() error { return d.Category }

// NewDenial wraps a taxonomy error with a fresh correlation id.
func NewDenial(category error) *Denial {
	return &Denial{
		Category:      category,
		CorrelationID: uuid.NewString(),
	}
}
