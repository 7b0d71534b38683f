package ledger

import "errors"

var (
	// ErrNotFound means the user row does not exist.
	ErrNotFound = errors.New("user not found")

	// ErrInsufficientFunds means the available balance cannot cover the
	// requested debit or freeze.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidState means the frozen pool does not cover a requested
	// unfreeze or frozen payout. Available funds never get this error; it
	// indicates a bug in a caller, not ordinary user input, and is logged
	// loudly wherever it surfaces.
	ErrInvalidState = errors.New("invalid ledger state")
)
