package escrow

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Client abstracts the on-chain escrow interaction for a single user (the
// signer's address). Implementations report contract reverts as errors; they do
// not apply client-side policy, which lives in Manager.
type Client interface {
	Address() common.Address

	Decimals(ctx context.Context, token common.Address) (uint8, error)
	TokenBalance(ctx context.Context, token common.Address) (*big.Int, error)

	EscrowID(ctx context.Context, token common.Address) (common.Hash, error)
	Position(ctx context.Context, token common.Address) (Position, error)
	AvailableBalance(ctx context.Context, token common.Address) (*big.Int, error)
	SpendProofs(ctx context.Context, token common.Address) ([]SpendProof, error)

	Deposit(ctx context.Context, req DepositRequest) (TxResult, error)
	InitiateWithdrawal(ctx context.Context, token common.Address, amount *big.Int) (TxResult, error)
	CompleteWithdrawal(ctx context.Context, token common.Address) (TxResult, error)
	CancelWithdrawal(ctx context.Context, token common.Address) (TxResult, error)
	ReportSpend(ctx context.Context, token common.Address, spent *big.Int) (TxResult, error)
}

// HealthChecker is implemented by clients backed by a remote node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Position mirrors the contract's per (user, token) escrow record.
type Position struct {
	EscrowID                  common.Hash
	User                      common.Address
	Token                     common.Address
	TotalDeposited            *big.Int
	ReleasedAmount            *big.Int
	PendingWithdrawal         *big.Int
	WithdrawUnlockTime        time.Time
	TimelockDuration          time.Duration
	ReleasePercentagePerSpend *big.Int
	IsActive                  bool
}

// HasPendingWithdrawal reports whether a withdrawal is in flight.
func (p Position) HasPendingWithdrawal() bool {
	return p.PendingWithdrawal != nil && p.PendingWithdrawal.Sign() > 0
}

// SpendProof is one reported spend against an escrow id. Immutable once recorded.
type SpendProof struct {
	SpentAmount *big.Int
	Timestamp   time.Time
	Verified    bool
	VerifiedBy  common.Address
}

type DepositRequest struct {
	Token                     common.Address
	Amount                    *big.Int // raw token units
	TimelockDuration          time.Duration
	ReleasePercentagePerSpend *big.Int
}

type TxResult struct {
	TxHash      string
	BlockNumber uint64
}
