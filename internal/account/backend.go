package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aedzpay/internal/amount"
	"aedzpay/internal/backend"
	"aedzpay/internal/ledger"

	"github.com/shopspring/decimal"
)

// ErrBackendDisabled is returned when no backend URL is configured.
var ErrBackendDisabled = errors.New("backend is not configured")

// sessionSkew renews a backend token this long before it expires.
const sessionSkew = time.Minute

func (s *Service) backendClient() (*backend.Client, error) {
	if s.backend == nil {
		return nil, ErrBackendDisabled
	}
	return s.backend, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (backend.LoginResult, error) {
	c, err := s.backendClient()
	if err != nil {
		return backend.LoginResult{}, err
	}
	if strings.TrimSpace(email) == "" || password == "" {
		return backend.LoginResult{}, fmt.Errorf("%w: email and password are required", ErrValidation)
	}
	res, err := c.Login(ctx, email, password)
	if err != nil {
		return backend.LoginResult{}, err
	}
	if res.RequiresTwoFactor() {
		s.logger.Info("backend login awaiting two-factor code")
	} else {
		s.logger.Info("backend login succeeded")
	}
	return res, nil
}

func (s *Service) VerifyTwoFactor(ctx context.Context, tempToken, code string) (backend.Session, error) {
	c, err := s.backendClient()
	if err != nil {
		return backend.Session{}, err
	}
	if tempToken == "" || strings.TrimSpace(code) == "" {
		return backend.Session{}, fmt.Errorf("%w: tempToken and code are required", ErrValidation)
	}
	return c.VerifyTwoFactor(ctx, tempToken, strings.TrimSpace(code))
}

// EnsureSession returns a live backend token, logging in again with the
// configured credentials when the current token is missing or about to expire.
func (s *Service) EnsureSession(ctx context.Context) (string, error) {
	c, err := s.backendClient()
	if err != nil {
		return "", err
	}
	if sess, ok := c.Session(); ok && !sess.Expired(s.now(), sessionSkew) {
		return sess.Token, nil
	}
	if s.cfg.BackendEmail == "" || s.cfg.BackendPassword == "" {
		return "", backend.ErrUnauthenticated
	}
	res, err := c.Login(ctx, s.cfg.BackendEmail, s.cfg.BackendPassword)
	if err != nil {
		return "", err
	}
	if res.RequiresTwoFactor() {
		return "", backend.ErrTwoFactorRequired
	}
	return res.Session.Token, nil
}

func (s *Service) BackendBalances(ctx context.Context) (backend.Balances, error) {
	c, err := s.backendClient()
	if err != nil {
		return backend.Balances{}, err
	}
	if _, err := s.EnsureSession(ctx); err != nil {
		return backend.Balances{}, err
	}
	return c.Balances(ctx)
}

// Convert exchanges custodial balance on the backend.
func (s *Service) Convert(ctx context.Context, value string) error {
	release, err := s.acquire(s.cfg.Token, ActionConvert)
	if err != nil {
		s.finish(ActionConvert, err)
		return err
	}
	defer release()

	err = s.convert(ctx, value)
	s.finish(ActionConvert, err)
	return err
}

func (s *Service) convert(ctx context.Context, value string) error {
	c, err := s.backendClient()
	if err != nil {
		return err
	}
	if _, err := positiveDecimal(value); err != nil {
		return err
	}
	if _, err := s.EnsureSession(ctx); err != nil {
		return err
	}
	return c.Convert(ctx, value)
}

// Transfer sends custodial funds and records the move as card funding.
func (s *Service) Transfer(ctx context.Context, req backend.TransferRequest) (ledger.Entry, error) {
	release, err := s.acquire(s.cfg.Token, ActionTransfer)
	if err != nil {
		s.finish(ActionTransfer, err)
		return ledger.Entry{}, err
	}
	defer release()

	entry, err := s.transfer(ctx, req)
	s.finish(ActionTransfer, err)
	return entry, err
}

func (s *Service) transfer(ctx context.Context, req backend.TransferRequest) (ledger.Entry, error) {
	c, err := s.backendClient()
	if err != nil {
		return ledger.Entry{}, err
	}
	amt, err := positiveDecimal(req.Amount)
	if err != nil {
		return ledger.Entry{}, err
	}
	if strings.TrimSpace(req.To) == "" {
		return ledger.Entry{}, fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if _, err := s.EnsureSession(ctx); err != nil {
		return ledger.Entry{}, err
	}

	rec := s.ledger.Record(ledger.Entry{
		Type:    ledger.TypeFunding,
		Amount:  amt,
		From:    ledger.Wallet,
		To:      req.To,
		Network: "AEDZ",
	})
	if err := c.Transfer(ctx, req); err != nil {
		failed, _ := s.ledger.Fail(rec.ID, err)
		return failed, err
	}
	return s.ledger.Complete(rec.ID, "")
}

func positiveDecimal(value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrValidation, amount.ErrInvalidAmount)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	return d, nil
}
