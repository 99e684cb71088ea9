package escrow

import "errors"

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("amount exceeds available balance")
	ErrWithdrawalPending   = errors.New("a withdrawal is already pending")
	ErrNoPendingWithdrawal = errors.New("no pending withdrawal")
	ErrWithdrawalLocked    = errors.New("withdrawal is still time-locked")
	ErrReverted            = errors.New("transaction reverted")
	ErrReadOnly            = errors.New("client is read-only")
	// ErrPendingCancelled marks a replace whose cancel landed but whose new
	// initiate did not: no withdrawal is pending any more.
	ErrPendingCancelled = errors.New("pending withdrawal cancelled")
)
