package job

import "errors"

var (
	// ErrInvalidRequest marks a malformed submission. Never retried.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrTransientProvider marks a network or 5xx-class provider failure.
	ErrTransientProvider = errors.New("transient provider error")
	// ErrProviderTimeout marks an attempt that hit its own timeout.
	ErrProviderTimeout = errors.New("provider attempt timed out")
	// ErrExhaustedRetries is reported when the attempt budget is spent.
	ErrExhaustedRetries = errors.New("retries exhausted")
	// ErrDeadlineExceeded is reported when the absolute job deadline passed.
	ErrDeadlineExceeded = errors.New("job deadline exceeded")
	// ErrCancelled is reported for explicit cancellation.
	ErrCancelled = errors.New("job cancelled")

	ErrNotFound       = errors.New("job not found")
	ErrAlreadyAwaited = errors.New("job outcome already awaited")
)

// Retryable reports whether err may succeed on another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientProvider) || errors.Is(err, ErrProviderTimeout)
}

// StatusFor maps a terminal error to the status it produces.
func StatusFor(err error) Status {
	switch {
	case err == nil:
		return StatusCompleted
	case errors.Is(err, ErrCancelled):
		return StatusCancelled
	case errors.Is(err, ErrDeadlineExceeded):
		return StatusTimedOut
	default:
		return StatusFailed
	}
}
