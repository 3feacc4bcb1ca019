package ledger

import "errors"

var (
	// ErrNotFound is returned when an account or license required by an
	// operation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when the license is in a state the
	// operation cannot start from, e.g. reducing a license with no expiry.
	ErrInvalidTransition = errors.New("invalid license transition")

	// ErrInvalidPeriod is returned for zero or negative periods.
	ErrInvalidPeriod = errors.New("period must be positive")

	// ErrConcurrencyConflict is returned when the storage layer could not
	// serialize the transaction. Callers may retry a bounded number of times.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrMissingAccountReference is returned when a payment event carries no
	// account identifier.
	ErrMissingAccountReference = errors.New("missing account reference")

	// ErrDuplicatePayment is returned by the store when a payment id has
	// already been recorded. Reconciliation turns it into a no-op success.
	ErrDuplicatePayment = errors.New("payment already processed")
)
