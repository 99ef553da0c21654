package access

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrUnauthenticated   = errors.New("authentication required")
	ErrValidation        = errors.New("invalid receipt reference")
	ErrNotFound          = errors.New("receipt not found")
	ErrUnsupportedFormat = errors.New("unsupported receipt format")
	ErrThrottled         = errors.New("too many receipt requests")
	ErrNoRecipient       = errors.New("receipt has no email recipient")
	ErrEmailFailed       = errors.New("receipt email could not be sent")
	ErrUnavailable       = errors.New("receipt service temporarily unavailable")
)

// ThrottledError carries how long the caller should back off.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (throttledError *ThrottledError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrThrottled.Error(), throttledError.RetryAfter)
}

func (throttledError *ThrottledError) Unwrap() error {
	return ErrThrottled
}

// RetryAfterSeconds rounds the backoff up to whole seconds, at least one.
func (throttledError *ThrottledError) RetryAfterSeconds() int {
	seconds := int(math.Ceil(throttledError.RetryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
