package account

import (
	"context"
	"fmt"
	"math/big"

	"aedzpay/internal/amount"
	"aedzpay/internal/backend"
	"aedzpay/internal/escrow"

	"golang.org/x/sync/errgroup"
)

// Summary is a point-in-time view of the account's balances. Amounts are
// decimal strings in token units.
type Summary struct {
	Address           string            `json:"address"`
	Token             string            `json:"token"`
	Network           string            `json:"network"`
	WalletBalance     string            `json:"walletBalance"`
	EscrowAvailable   string            `json:"escrowAvailable"`
	EscrowAvailableUS string            `json:"escrowAvailableUsd"`
	TotalDeposited    string            `json:"totalDeposited"`
	Released          string            `json:"released"`
	PendingWithdrawal string            `json:"pendingWithdrawal"`
	TotalSpent        string            `json:"totalSpent"`
	MonthlySpent      string            `json:"monthlySpent"`
	SpendCount        int               `json:"spendCount"`
	Timelock          TimelockView      `json:"timelock"`
	Backend           *backend.Balances `json:"backend,omitempty"`
	BackendError      string            `json:"backendError,omitempty"`
}

// Summary reads every balance concurrently and caches the result for
// LastSummary. The backend balances are optional and never fail the call.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	var (
		decimals  uint8
		wallet    *big.Int
		available *big.Int
		pos       escrow.Position
		proofs    []escrow.SpendProof
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		decimals, err = s.escrow.Decimals(gctx, s.cfg.Token)
		return err
	})
	g.Go(func() (err error) {
		wallet, err = s.escrow.TokenBalance(gctx, s.cfg.Token)
		return err
	})
	g.Go(func() (err error) {
		available, err = s.escrow.AvailableBalance(gctx, s.cfg.Token)
		return err
	})
	g.Go(func() (err error) {
		pos, err = s.escrow.Position(gctx, s.cfg.Token)
		return err
	})
	g.Go(func() (err error) {
		proofs, err = s.escrow.SpendProofs(gctx, s.cfg.Token)
		return err
	})

	var (
		backendBal *backend.Balances
		backendErr error
	)
	if s.backend != nil {
		if _, ok := s.backend.Session(); ok {
			g.Go(func() error {
				b, err := s.backend.Balances(gctx)
				if err != nil {
					backendErr = err
					return nil
				}
				backendBal = &b
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return Summary{}, fmt.Errorf("refresh balances: %w", err)
	}

	now := s.now()
	d := int(decimals)
	spend := escrow.AggregateSpend(proofs, now)
	sum := Summary{
		Address:           s.escrow.Address().Hex(),
		Token:             s.cfg.Token.Hex(),
		Network:           s.cfg.Network,
		WalletBalance:     amount.FormatUnits(wallet, d),
		EscrowAvailable:   amount.FormatUnits(available, d),
		EscrowAvailableUS: amount.USD(available, d),
		TotalDeposited:    amount.FormatUnits(pos.TotalDeposited, d),
		Released:          amount.FormatUnits(pos.ReleasedAmount, d),
		PendingWithdrawal: amount.FormatUnits(pos.PendingWithdrawal, d),
		TotalSpent:        amount.FormatUnits(spend.Total, d),
		MonthlySpent:      amount.FormatUnits(spend.Monthly, d),
		SpendCount:        spend.Count,
		Timelock:          timelockView(escrow.TimelockAt(pos, now), d),
		Backend:           backendBal,
	}
	if backendErr != nil {
		sum.BackendError = backendErr.Error()
		s.logger.Warn("backend balances unavailable", "err", backendErr)
	}

	s.mu.Lock()
	s.last = &sum
	s.mu.Unlock()
	return sum, nil
}

// LastSummary returns the most recent successful Summary.
func (s *Service) LastSummary() (Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Summary{}, false
	}
	return *s.last, true
}

// Refresh re-reads balances in the background of an event; failures are logged.
func (s *Service) Refresh(ctx context.Context) {
	if _, err := s.Summary(ctx); err != nil {
		s.logger.Warn("balance refresh failed", "err", err)
	}
}
