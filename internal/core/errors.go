package core

import "errors"

var (
	// ErrTransport indicates a network or timeout failure. Retryable, never fatal.
	ErrTransport = errors.New("transport failure")
	// ErrExchangeRejected indicates the exchange refused the request
	// (minimum size, insufficient margin, bad filter). The intent is dropped
	// for the current cycle and re-derived on the next evaluation.
	ErrExchangeRejected = errors.New("exchange rejected request")
	// ErrStaleState indicates local counters could not be trusted and a
	// forced resync was required. Internal, never surfaced to callers.
	ErrStaleState = errors.New("stale local state")
	// ErrConfiguration is the only startup-fatal class.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrHedgeModeRequired indicates dual-position mode is unavailable and
	// could not be enabled. Fatal at startup.
	ErrHedgeModeRequired = errors.New("hedge position mode required")
	// ErrOrderNotFound indicates the order no longer exists on the exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInsufficientMargin indicates the account cannot carry the order.
	ErrInsufficientMargin = errors.New("insufficient margin")
)

// IsOrderGone reports whether err means the order already left the book, so
// a cancel for it counts as done.
func IsOrderGone(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}
