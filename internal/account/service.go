// Package account is the application layer: it validates user actions, guards
// them against duplicates, runs them against the escrow contract or the bridge
// and keeps the transaction ledger in step.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"aedzpay/internal/amount"
	"aedzpay/internal/backend"
	"aedzpay/internal/bridge"
	"aedzpay/internal/escrow"
	"aedzpay/internal/guard"
	"aedzpay/internal/ledger"
	"aedzpay/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
)

// Action names used for guard keys and metrics.
const (
	ActionDeposit  = "deposit"
	ActionInitiate = "initiate_withdrawal"
	ActionComplete = "complete_withdrawal"
	ActionCancel   = "cancel_withdrawal"
	ActionSpend    = "report_spend"
	ActionBridge   = "bridge"
	ActionTransfer = "transfer"
	ActionConvert  = "convert"
)

// Observer receives the outcome of every mutating operation.
type Observer interface {
	Operation(action, status string)
}

type nopObserver struct{}

func (nopObserver) Operation(string, string) {}

type Config struct {
	// Token is the escrowed stablecoin.
	Token common.Address
	// Network is the display name of the escrow chain.
	Network                   string
	ChainID                   uint64
	DepositTimelock           time.Duration
	ReleasePercentagePerSpend *big.Int
	Policy                    escrow.PendingPolicy
	// Backend credentials used to renew an expired session. Optional.
	BackendEmail    string
	BackendPassword string
}

type Deps struct {
	Escrow   escrow.Client
	Relay    *bridge.Client
	Intents  *bridge.Tracker
	Backend  *backend.Client
	Ledger   *ledger.Ledger
	Guard    *guard.Guard
	Observer Observer
	Logger   *slog.Logger
}

type Service struct {
	cfg      Config
	escrow   escrow.Client
	manager  *escrow.Manager
	relay    *bridge.Client
	intents  *bridge.Tracker
	backend  *backend.Client
	ledger   *ledger.Ledger
	guard    *guard.Guard
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last *Summary
}

func NewService(cfg Config, deps Deps) *Service {
	s := &Service{
		cfg:      cfg,
		escrow:   deps.Escrow,
		manager:  escrow.NewManager(deps.Escrow, cfg.Policy),
		relay:    deps.Relay,
		intents:  deps.Intents,
		backend:  deps.Backend,
		ledger:   deps.Ledger,
		guard:    deps.Guard,
		observer: deps.Observer,
		logger:   deps.Logger,
		now:      time.Now,
	}
	if s.ledger == nil {
		s.ledger = ledger.New()
	}
	if s.guard == nil {
		s.guard = &guard.Guard{}
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "account")
	return s
}

// WithClock overrides the time source of the service and its withdrawal manager.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.manager.WithClock(now)
	return s
}

func (s *Service) Address() common.Address { return s.escrow.Address() }

func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

func (s *Service) Policy() escrow.PendingPolicy { return s.manager.Policy() }

func (s *Service) acquire(token common.Address, action string) (func(), error) {
	return s.guard.Acquire(guard.Key{
		User:   s.escrow.Address().Hex(),
		Token:  token.Hex(),
		Action: action,
	})
}

// parse converts a user-entered decimal amount into raw token units.
func (s *Service) parse(ctx context.Context, value string) (*big.Int, int, error) {
	decimals, err := s.escrow.Decimals(ctx, s.cfg.Token)
	if err != nil {
		return nil, 0, fmt.Errorf("read token decimals: %w", err)
	}
	raw, err := amount.ParseUnits(value, int(decimals))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if !amount.Positive(raw) {
		return nil, 0, fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	return raw, int(decimals), nil
}

// track records a pending ledger entry, runs fn and settles the entry with
// fn's outcome. A transaction that was broadcast but not yet mined leaves the
// entry pending with its hash.
func (s *Service) track(action string, entry ledger.Entry, fn func() (escrow.TxResult, error)) (ledger.Entry, error) {
	rec := s.ledger.Record(entry)
	res, err := fn()
	if errors.Is(err, wallet.ErrNotMined) {
		pending, _ := s.ledger.Submitted(rec.ID, res.TxHash)
		s.finish(action, err)
		return pending, err
	}
	if err != nil {
		failed, _ := s.ledger.Fail(rec.ID, err)
		s.finish(action, err)
		return failed, err
	}
	done, _ := s.ledger.Complete(rec.ID, res.TxHash)
	s.finish(action, nil)
	return done, nil
}

func (s *Service) finish(action string, err error) {
	switch kind := Classify(err); kind {
	case KindNone:
		s.observer.Operation(action, "success")
		s.logger.Info("operation completed", "action", action)
	case KindUserRejected:
		s.observer.Operation(action, "rejected")
		s.logger.Warn("operation cancelled by user", "action", action)
	case KindValidation, KindConflict:
		s.observer.Operation(action, string(kind))
		s.logger.Warn("operation refused", "action", action, "kind", kind, "err", err)
	default:
		s.observer.Operation(action, "failed")
		s.logger.Error("operation failed", "action", action, "kind", kind, "err", err)
	}
}

// Deposit moves value from the wallet into escrow, approving first if needed.
func (s *Service) Deposit(ctx context.Context, value string) (ledger.Entry, error) {
	release, err := s.acquire(s.cfg.Token, ActionDeposit)
	if err != nil {
		s.finish(ActionDeposit, err)
		return ledger.Entry{}, err
	}
	defer release()

	raw, decimals, err := s.parse(ctx, value)
	if err != nil {
		s.finish(ActionDeposit, err)
		return ledger.Entry{}, err
	}
	balance, err := s.escrow.TokenBalance(ctx, s.cfg.Token)
	if err != nil {
		s.finish(ActionDeposit, err)
		return ledger.Entry{}, fmt.Errorf("read wallet balance: %w", err)
	}
	if raw.Cmp(balance) > 0 {
		err := fmt.Errorf("%w: amount exceeds wallet balance of %s", ErrValidation, amount.FormatUnits(balance, decimals))
		s.finish(ActionDeposit, err)
		return ledger.Entry{}, err
	}

	entry := ledger.Entry{
		Type:    ledger.TypeDeposit,
		Amount:  amount.Decimal(raw, decimals),
		From:    ledger.Wallet,
		To:      ledger.Escrow,
		Network: s.cfg.Network,
	}
	return s.track(ActionDeposit, entry, func() (escrow.TxResult, error) {
		return s.escrow.Deposit(ctx, escrow.DepositRequest{
			Token:                     s.cfg.Token,
			Amount:                    raw,
			TimelockDuration:          s.cfg.DepositTimelock,
			ReleasePercentagePerSpend: s.cfg.ReleasePercentagePerSpend,
		})
	})
}

// InitiateWithdrawal locks value for withdrawal and starts the timelock.
func (s *Service) InitiateWithdrawal(ctx context.Context, value string) (ledger.Entry, error) {
	release, err := s.acquire(s.cfg.Token, ActionInitiate)
	if err != nil {
		s.finish(ActionInitiate, err)
		return ledger.Entry{}, err
	}
	defer release()

	raw, decimals, err := s.parse(ctx, value)
	if err != nil {
		s.finish(ActionInitiate, err)
		return ledger.Entry{}, err
	}
	entry := ledger.Entry{
		Type:    ledger.TypeWithdraw,
		Amount:  amount.Decimal(raw, decimals),
		From:    ledger.Escrow,
		To:      ledger.Wallet,
		Network: s.cfg.Network,
	}
	return s.track(ActionInitiate, entry, func() (escrow.TxResult, error) {
		return s.manager.Initiate(ctx, s.cfg.Token, raw)
	})
}

type CompleteResult struct {
	TxHash   string `json:"txHash"`
	Released string `json:"released"`
}

// CompleteWithdrawal releases the pending amount once unlocked.
func (s *Service) CompleteWithdrawal(ctx context.Context) (CompleteResult, error) {
	release, err := s.acquire(s.cfg.Token, ActionComplete)
	if err != nil {
		s.finish(ActionComplete, err)
		return CompleteResult{}, err
	}
	defer release()

	decimals, err := s.escrow.Decimals(ctx, s.cfg.Token)
	if err != nil {
		s.finish(ActionComplete, err)
		return CompleteResult{}, err
	}
	res, released, err := s.manager.Complete(ctx, s.cfg.Token)
	s.finish(ActionComplete, err)
	if err != nil {
		return CompleteResult{}, err
	}
	return CompleteResult{TxHash: res.TxHash, Released: amount.FormatUnits(released, int(decimals))}, nil
}

// CancelWithdrawal drops the pending withdrawal without moving funds.
func (s *Service) CancelWithdrawal(ctx context.Context) (escrow.TxResult, error) {
	release, err := s.acquire(s.cfg.Token, ActionCancel)
	if err != nil {
		s.finish(ActionCancel, err)
		return escrow.TxResult{}, err
	}
	defer release()

	res, err := s.manager.Cancel(ctx, s.cfg.Token)
	s.finish(ActionCancel, err)
	return res, err
}

// ReportSpend records a card spend against the escrow.
func (s *Service) ReportSpend(ctx context.Context, value, merchant string) (ledger.Entry, error) {
	release, err := s.acquire(s.cfg.Token, ActionSpend)
	if err != nil {
		s.finish(ActionSpend, err)
		return ledger.Entry{}, err
	}
	defer release()

	raw, decimals, err := s.parse(ctx, value)
	if err != nil {
		s.finish(ActionSpend, err)
		return ledger.Entry{}, err
	}
	available, err := s.escrow.AvailableBalance(ctx, s.cfg.Token)
	if err != nil {
		s.finish(ActionSpend, err)
		return ledger.Entry{}, fmt.Errorf("read available balance: %w", err)
	}
	if raw.Cmp(available) > 0 {
		s.finish(ActionSpend, escrow.ErrInsufficientBalance)
		return ledger.Entry{}, escrow.ErrInsufficientBalance
	}

	entry := ledger.Entry{
		Type:     ledger.TypeSpend,
		Amount:   amount.Decimal(raw, decimals),
		Merchant: strings.TrimSpace(merchant),
		Network:  s.cfg.Network,
	}
	return s.track(ActionSpend, entry, func() (escrow.TxResult, error) {
		return s.escrow.ReportSpend(ctx, s.cfg.Token, raw)
	})
}

type TimelockView struct {
	State         string    `json:"state"`
	UnlockTime    time.Time `json:"unlockTime,omitempty"`
	IsLocked      bool      `json:"isLocked"`
	Remaining     string    `json:"remaining,omitempty"`
	PendingAmount string    `json:"pendingAmount"`
	PendingUSD    string    `json:"pendingUsd"`
}

func (s *Service) Timelock(ctx context.Context) (TimelockView, error) {
	decimals, err := s.escrow.Decimals(ctx, s.cfg.Token)
	if err != nil {
		return TimelockView{}, err
	}
	tl, err := s.manager.Timelock(ctx, s.cfg.Token)
	if err != nil {
		return TimelockView{}, err
	}
	return timelockView(tl, int(decimals)), nil
}

func timelockView(tl escrow.Timelock, decimals int) TimelockView {
	v := TimelockView{
		State:         tl.State.String(),
		UnlockTime:    tl.UnlockTime,
		IsLocked:      tl.IsLocked,
		PendingAmount: amount.FormatUnits(tl.PendingAmount, decimals),
		PendingUSD:    amount.USD(tl.PendingAmount, decimals),
	}
	if tl.IsLocked {
		v.Remaining = escrow.FormatTimelockDuration(tl.Remaining)
	}
	return v
}

// Transactions lists ledger entries, filtered by type and free-text query.
func (s *Service) Transactions(typ ledger.Type, query string) []ledger.Entry {
	return s.ledger.Filter(typ, query)
}

func (s *Service) Breakdown() []ledger.Category {
	return s.ledger.Breakdown()
}
