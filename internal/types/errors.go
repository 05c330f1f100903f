package types

import "errors"

// Domain error taxonomy. Business-rule errors are terminal for the
// requested operation and must never be retried; ErrUnavailable marks
// transient failures that callers retry with backoff.
var (
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInsufficientFunds  = errors.New("insufficient usable balance")
	ErrInvalidReservation = errors.New("amount exceeds blocked balance")
	ErrInvalidState       = errors.New("operation not permitted in current order state")
	ErrNotFound           = errors.New("resource not found")
	ErrNotAuthorized      = errors.New("not authorized to perform this operation")
	ErrUnavailable        = errors.New("resource temporarily unavailable")
)

// IsBusinessError reports whether err is a business-rule failure that
// must be surfaced to the caller unchanged rather than retried.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidReservation) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrNotAuthorized)
}
