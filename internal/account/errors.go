package account

import (
	"context"
	"errors"

	"aedzpay/internal/amount"
	"aedzpay/internal/backend"
	"aedzpay/internal/bridge"
	"aedzpay/internal/escrow"
	"aedzpay/internal/guard"
	"aedzpay/internal/retry"
	"aedzpay/internal/wallet"
)

// ErrValidation marks request errors caught before any network call.
var ErrValidation = errors.New("validation failed")

// Kind groups errors by how a caller should react to them.
type Kind string

const (
	KindNone         Kind = ""
	KindValidation   Kind = "validation"
	KindUserRejected Kind = "user_rejected"
	KindConflict     Kind = "conflict"
	KindBridge       Kind = "bridge"
	KindBackend      Kind = "backend"
	KindChain        Kind = "chain"
	KindUnauthorized Kind = "unauthorized"
	KindTimeout      Kind = "timeout"
)

// Classify maps err to its Kind. Unknown errors are chain/RPC failures, the
// only remaining source of errors in this service.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case wallet.IsUserRejection(err):
		return KindUserRejected
	case errors.Is(err, guard.ErrInFlight),
		errors.Is(err, escrow.ErrWithdrawalPending),
		errors.Is(err, escrow.ErrWithdrawalLocked),
		errors.Is(err, escrow.ErrNoPendingWithdrawal):
		return KindConflict
	case errors.Is(err, ErrValidation),
		errors.Is(err, amount.ErrInvalidAmount),
		errors.Is(err, amount.ErrTooPrecise),
		errors.Is(err, amount.ErrNegative),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInsufficientBalance):
		return KindValidation
	case errors.Is(err, backend.ErrUnauthenticated),
		errors.Is(err, backend.ErrInvalidCredentials),
		errors.Is(err, backend.ErrTwoFactorRequired):
		return KindUnauthorized
	case errors.Is(err, backend.ErrRequestFailed),
		errors.Is(err, ErrBackendDisabled):
		return KindBackend
	case errors.Is(err, bridge.ErrStepFailed),
		errors.Is(err, bridge.ErrIntentFailed),
		errors.Is(err, bridge.ErrAPI),
		errors.Is(err, ErrBridgeDisabled),
		errors.Is(err, retry.ErrExhausted):
		return KindBridge
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, wallet.ErrNotMined):
		return KindTimeout
	default:
		return KindChain
	}
}
