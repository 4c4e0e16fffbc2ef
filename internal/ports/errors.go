package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these standard errors
// so the executor can classify failures without knowing the venue.
var (
	// General Errors
	ErrUnknown         = errors.New("unknown error occurred")
	ErrInvalidRequest  = errors.New("invalid request parameters or format")
	ErrNotFound        = errors.New("resource not found")
	ErrTimeout         = errors.New("operation timed out")
	ErrContextCanceled = errors.New("operation canceled via context")
	ErrLimitExceeded   = errors.New("transaction amount exceeds configured ceiling")

	// Exchange Errors — transient class (retried with backoff)
	ErrExchangeUnavailable = errors.New("exchange API is unavailable")
	ErrConnectionFailed    = errors.New("failed to connect to the exchange")
	ErrRateLimited         = errors.New("API rate limit exceeded")

	// Exchange Errors — permanent class (recorded failed, no retry)
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrPermissionDenied     = errors.New("permission denied for this API key")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrRejectedByVenue      = errors.New("order rejected by the venue")

	// Database Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")

	// Notification Errors (logged, never fatal)
	ErrDeliveryFailed = errors.New("notification delivery failed")
)

// IsRetriable reports whether err belongs to the transient class that the
// executor may retry with backoff. Anything else terminates the attempt.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrExchangeUnavailable)
}
