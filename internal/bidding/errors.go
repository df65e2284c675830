package bidding

import "errors"

// Domain errors: rejected, surfaced verbatim to the caller, never retried.
var (
	ErrAuctionNotFound     = errors.New("auction not found")
	ErrAuctionNotActive    = errors.New("auction is not active")
	ErrAuctionEnded        = errors.New("auction has already ended")
	ErrAlreadyWon          = errors.New("user already won in this auction")
	ErrBidTooLow           = errors.New("bid amount too low")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("bid amount must be positive")
)

// ErrContended means the per-auction lock could not be acquired in time.
// Unlike the domain errors above it is retryable: the caller should back
// off and try again.
var ErrContended = errors.New("auction is being processed, try again")
