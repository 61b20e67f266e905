package reliability

import (
	"context"
	"errors"
	"time"
)

// Error kinds surfaced by remote collaborators.
var (
	// ErrTransient marks failures that are expected to clear on their own
	// (network errors, timeouts, retryable HTTP statuses).
	ErrTransient = errors.New("transient remote failure")
	// ErrProtocol marks malformed responses or unexpected status values.
	ErrProtocol = errors.New("protocol violation")
	// ErrRejected marks non-retryable HTTP statuses.
	ErrRejected = errors.New("request rejected")
	// ErrSettlement marks a failed settlement after approval.
	ErrSettlement = errors.New("settlement failed")
)

// Kind is a coarse error class used for metrics labels and event payloads.
type Kind string

const (
	KindNone       Kind = ""
	KindTransient  Kind = "transient"
	KindProtocol   Kind = "protocol"
	KindRejected   Kind = "rejected"
	KindSettlement Kind = "settlement"
	KindCancelled  Kind = "cancelled"
	KindUnknown    Kind = "unknown"
)

// Classify maps an error to its kind. Settlement wins over the transport kind
// it wraps because settlement is never retried.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrSettlement):
		return KindSettlement
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrRejected):
		return KindRejected
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindUnknown
	}
}

// Retryable reports whether a caller may try the same request again.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
