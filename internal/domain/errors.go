package domain

import "errors"

// Error taxonomy shared across the engine. Callers branch on these with
// errors.Is; everything else is wrapped as ErrLedger at the boundary where a
// store operation failed.
var (
	// ErrValidation marks malformed or missing input. Terminal: retrying the
	// same request cannot succeed.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing trade, allocation, or lending pot.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict marks a lost conditional update: the row's status no
	// longer matched the expected prior value. Terminal for the losing caller.
	ErrStateConflict = errors.New("state conflict")

	// ErrAlreadyFunded is the funding-specific state conflict returned to the
	// losers of a concurrent funding race.
	ErrAlreadyFunded = errors.New("trade already funded: state conflict")

	// ErrSelfDealing marks a borrower attempting to fund their own trade.
	ErrSelfDealing = errors.New("lender must not be the borrower")

	// ErrInsufficientFunds marks a ledger rejection: the requested amount
	// exceeds the source bucket.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrLedger marks a store-level failure applying a ledger entry.
	// Transient: idempotency keys make a retry of the whole operation safe.
	ErrLedger = errors.New("ledger error")
)

// Retryable reports whether an error is transient and safe to retry as a
// whole operation. State conflicts, self-dealing, and validation failures are
// terminal: retrying cannot change the outcome.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrStateConflict),
		errors.Is(err, ErrAlreadyFunded),
		errors.Is(err, ErrSelfDealing),
		errors.Is(err, ErrInsufficientFunds):
		return false
	}
	return true
}
