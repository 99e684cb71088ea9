package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// State of the recurring withdrawal cycle of one escrow position.
type State int

const (
	NoWithdrawal State = iota
	PendingLocked
	PendingUnlocked
)

func (s State) String() string {
	switch s {
	case PendingLocked:
		return "pending_locked"
	case PendingUnlocked:
		return "pending_unlocked"
	default:
		return "no_withdrawal"
	}
}

// StateAt derives the withdrawal state of p at the given instant.
func StateAt(p Position, now time.Time) State {
	if !p.HasPendingWithdrawal() {
		return NoWithdrawal
	}
	if now.Before(p.WithdrawUnlockTime) {
		return PendingLocked
	}
	return PendingUnlocked
}

// PendingPolicy decides what InitiateWithdrawal does when a withdrawal is
// already pending for the same (user, token).
type PendingPolicy string

const (
	PolicyReject     PendingPolicy = "reject"
	PolicyReplace    PendingPolicy = "replace"
	PolicyAccumulate PendingPolicy = "accumulate"
)

func ParsePendingPolicy(s string) (PendingPolicy, error) {
	switch p := PendingPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyReject, PolicyReplace, PolicyAccumulate:
		return p, nil
	case "":
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown pending withdrawal policy %q", s)
	}
}

// Timelock describes the current withdrawal lock of a position.
type Timelock struct {
	State         State
	UnlockTime    time.Time
	IsLocked      bool
	Remaining     time.Duration
	PendingAmount *big.Int
}

// Manager enforces the withdrawal state machine on top of a Client before any
// transaction is submitted.
type Manager struct {
	client Client
	policy PendingPolicy
	now    func() time.Time
}

func NewManager(client Client, policy PendingPolicy) *Manager {
	if policy == "" {
		policy = PolicyReject
	}
	return &Manager{client: client, policy: policy, now: time.Now}
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) Policy() PendingPolicy { return m.policy }

// Initiate locks amount for withdrawal and starts the timelock.
func (m *Manager) Initiate(ctx context.Context, token common.Address, amount *big.Int) (TxResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return TxResult{}, ErrInvalidAmount
	}

	pos, err := m.client.Position(ctx, token)
	if err != nil {
		return TxResult{}, fmt.Errorf("read position: %w", err)
	}
	available, err := m.client.AvailableBalance(ctx, token)
	if err != nil {
		return TxResult{}, fmt.Errorf("read available balance: %w", err)
	}

	if pos.HasPendingWithdrawal() {
		switch m.policy {
		case PolicyAccumulate:
		case PolicyReplace:
			// cancelling returns the pending amount to the available balance
			released := new(big.Int).Add(available, pos.PendingWithdrawal)
			if amount.Cmp(released) > 0 {
				return TxResult{}, ErrInsufficientBalance
			}
			if _, err := m.client.CancelWithdrawal(ctx, token); err != nil {
				return TxResult{}, fmt.Errorf("cancel pending withdrawal: %w", err)
			}
			res, err := m.client.InitiateWithdrawal(ctx, token, amount)
			if err != nil {
				return TxResult{}, fmt.Errorf("%w, new withdrawal not initiated: %w", ErrPendingCancelled, err)
			}
			return res, nil
		default:
			return TxResult{}, ErrWithdrawalPending
		}
	}

	if amount.Cmp(available) > 0 {
		return TxResult{}, ErrInsufficientBalance
	}
	return m.client.InitiateWithdrawal(ctx, token, amount)
}

// Complete releases whatever is pending once the timelock has expired. It
// returns the amount that was transferred.
func (m *Manager) Complete(ctx context.Context, token common.Address) (TxResult, *big.Int, error) {
	pos, err := m.client.Position(ctx, token)
	if err != nil {
		return TxResult{}, nil, fmt.Errorf("read position: %w", err)
	}
	switch StateAt(pos, m.now()) {
	case NoWithdrawal:
		return TxResult{}, nil, ErrNoPendingWithdrawal
	case PendingLocked:
		remaining := pos.WithdrawUnlockTime.Sub(m.now()).Round(time.Second)
		return TxResult{}, nil, fmt.Errorf("%w: %s remaining", ErrWithdrawalLocked, remaining)
	}

	res, err := m.client.CompleteWithdrawal(ctx, token)
	if err != nil {
		return TxResult{}, nil, err
	}
	return res, new(big.Int).Set(pos.PendingWithdrawal), nil
}

// Cancel releases the lock without transferring funds.
func (m *Manager) Cancel(ctx context.Context, token common.Address) (TxResult, error) {
	pos, err := m.client.Position(ctx, token)
	if err != nil {
		return TxResult{}, fmt.Errorf("read position: %w", err)
	}
	if !pos.HasPendingWithdrawal() {
		return TxResult{}, ErrNoPendingWithdrawal
	}
	return m.client.CancelWithdrawal(ctx, token)
}

// Timelock reads the withdrawal lock status of token.
func (m *Manager) Timelock(ctx context.Context, token common.Address) (Timelock, error) {
	pos, err := m.client.Position(ctx, token)
	if err != nil {
		return Timelock{}, fmt.Errorf("read position: %w", err)
	}
	return TimelockAt(pos, m.now()), nil
}

// TimelockAt computes the lock status of pos at now.
func TimelockAt(pos Position, now time.Time) Timelock {
	pending := new(big.Int)
	if pos.PendingWithdrawal != nil {
		pending.Set(pos.PendingWithdrawal)
	}
	tl := Timelock{
		State:         StateAt(pos, now),
		UnlockTime:    pos.WithdrawUnlockTime,
		PendingAmount: pending,
	}
	if now.Before(pos.WithdrawUnlockTime) {
		tl.IsLocked = true
		tl.Remaining = pos.WithdrawUnlockTime.Sub(now)
	}
	return tl
}

// FormatTimelockDuration renders a lock duration the way the dashboard shows
// it: whole days above 24h, hours and minutes below, otherwise minutes.
func FormatTimelockDuration(d time.Duration) string {
	seconds := int64(d / time.Second)
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	if hours > 24 {
		days := hours / 24
		return fmt.Sprintf("%d %s", days, plural(days, "day"))
	}
	if hours > 0 {
		out := fmt.Sprintf("%d %s", hours, plural(hours, "hour"))
		if minutes > 0 {
			out += fmt.Sprintf(" %d min", minutes)
		}
		return out
	}
	return fmt.Sprintf("%d %s", minutes, plural(minutes, "minute"))
}

func plural(n int64, word string) string {
	if n > 1 {
		return word + "s"
	}
	return word
}
