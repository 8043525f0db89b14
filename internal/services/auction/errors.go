package auction

import (
	"errors"
	"strings"
)

var (
	// ErrConcurrencyConflict means another bid committed between validation
	// and commit often enough to exhaust the retry budget. Callers may retry.
	ErrConcurrencyConflict = errors.New("auction changed concurrently, please retry")
	// ErrStoreUnavailable wraps every persistence failure.
	ErrStoreUnavailable   = errors.New("auction service temporarily unavailable, please retry later")
	ErrAuctionNotFound    = errors.New("auction not found")
	ErrInvalidTransition  = errors.New("invalid auction status transition")
	ErrInvalidAuctionSpec = errors.New("invalid auction")
)

// ValidationError is returned by PlaceBid when the bid breaks one or more
// rules. Every reason is carried in Result.Errors.
type ValidationError struct {
	Result ValidationResult
}

func (e *ValidationError) Error() string {
	return "bid rejected: " + strings.Join(e.Result.Errors, "; ")
}
