package market

import "errors"

// Sentinel errors for the engine's failure taxonomy. Entry points wrap these
// with context via fmt.Errorf("...: %w", ...); callers classify with
// errors.Is.
var (
	// ErrNotFound means the task ID does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrValidation covers bad inputs rejected before any mutation:
	// bounty out of bounds, past deadline, empty description or result
	// hash, out-of-range config values.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized means the caller lacks the role the operation
	// requires.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStateConflict means the task is not in a status that permits
	// the requested transition, or a time-based precondition has not
	// been met yet.
	ErrStateConflict = errors.New("state conflict")

	// ErrPaused rejects mutating calls while the circuit breaker is on.
	ErrPaused = errors.New("engine paused")

	// ErrTransferFailed is the only error that can surface after
	// validation; the whole call is rolled back when it does.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrInsufficientFunds means the payer account cannot cover the
	// requested amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNoFeesToWithdraw means the platform fee accumulator is empty.
	ErrNoFeesToWithdraw = errors.New("no fees to withdraw")

	// ErrBlacklisted rejects acceptance by a blacklisted agent.
	ErrBlacklisted = errors.New("agent blacklisted")
)
