package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// FakeClient is an in-memory escrow contract used by tests and local runs
// without a chain. It applies the same rules the contract reverts on.
type FakeClient struct {
	mu       sync.Mutex
	user     common.Address
	now      func() time.Time
	decimals map[common.Address]uint8
	wallet   map[common.Address]*big.Int
	escrows  map[common.Hash]*fakeEscrow
	txCount  uint64

	// DefaultTimelock applies to deposits that do not specify one.
	DefaultTimelock time.Duration
	// FailNext makes the next mutating call fail with this error.
	FailNext error
	// FailOn makes the next call of the named contract method fail once.
	FailOn map[string]error
}

type fakeEscrow struct {
	pos    Position
	proofs []SpendProof
}

func NewFakeClient(user common.Address, now func() time.Time) *FakeClient {
	if now == nil {
		now = time.Now
	}
	return &FakeClient{
		user:            user,
		now:             now,
		decimals:        make(map[common.Address]uint8),
		wallet:          make(map[common.Address]*big.Int),
		escrows:         make(map[common.Hash]*fakeEscrow),
		DefaultTimelock: 24 * time.Hour,
	}
}

// Fund credits the user's wallet balance of token.
func (f *FakeClient) Fund(token common.Address, decimals uint8, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decimals[token] = decimals
	f.balance(token).Add(f.balance(token), amount)
}

func (f *FakeClient) Address() common.Address { return f.user }

func (f *FakeClient) Decimals(_ context.Context, token common.Address) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.decimals[token]
	if !ok {
		return 0, fmt.Errorf("unknown token %s", token.Hex())
	}
	return d, nil
}

func (f *FakeClient) TokenBalance(_ context.Context, token common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance(token)), nil
}

func (f *FakeClient) EscrowID(_ context.Context, token common.Address) (common.Hash, error) {
	return f.escrowID(token), nil
}

func (f *FakeClient) Position(_ context.Context, token common.Address) (Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyPosition(f.escrow(token).pos), nil
}

func (f *FakeClient) AvailableBalance(_ context.Context, token common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return available(f.escrow(token).pos), nil
}

func (f *FakeClient) SpendProofs(_ context.Context, token common.Address) ([]SpendProof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.escrow(token).proofs
	out := make([]SpendProof, len(src))
	for i, p := range src {
		out[i] = SpendProof{
			SpentAmount: new(big.Int).Set(p.SpentAmount),
			Timestamp:   p.Timestamp,
			Verified:    p.Verified,
			VerifiedBy:  p.VerifiedBy,
		}
	}
	return out, nil
}

func (f *FakeClient) Deposit(_ context.Context, req DepositRequest) (TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("deposit"); err != nil {
		return TxResult{}, err
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return TxResult{}, revert("InvalidAmount")
	}
	bal := f.balance(req.Token)
	if bal.Cmp(req.Amount) < 0 {
		return TxResult{}, revert("ERC20: transfer amount exceeds balance")
	}
	bal.Sub(bal, req.Amount)

	e := f.escrow(req.Token)
	e.pos.TotalDeposited.Add(e.pos.TotalDeposited, req.Amount)
	e.pos.IsActive = true
	if req.TimelockDuration > 0 {
		e.pos.TimelockDuration = req.TimelockDuration
	}
	if req.ReleasePercentagePerSpend != nil {
		e.pos.ReleasePercentagePerSpend = new(big.Int).Set(req.ReleasePercentagePerSpend)
	}
	return f.receipt("deposit"), nil
}

func (f *FakeClient) InitiateWithdrawal(_ context.Context, token common.Address, amount *big.Int) (TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("initiateWithdrawal"); err != nil {
		return TxResult{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return TxResult{}, revert("InvalidAmount")
	}
	e := f.escrow(token)
	if amount.Cmp(available(e.pos)) > 0 {
		return TxResult{}, revert("InsufficientBalance")
	}
	// the contract adds to an existing pending amount and restarts the timer
	e.pos.PendingWithdrawal.Add(e.pos.PendingWithdrawal, amount)
	e.pos.WithdrawUnlockTime = f.now().Add(e.pos.TimelockDuration)
	return f.receipt("initiateWithdrawal"), nil
}

func (f *FakeClient) CompleteWithdrawal(_ context.Context, token common.Address) (TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("completeWithdrawal"); err != nil {
		return TxResult{}, err
	}
	e := f.escrow(token)
	if e.pos.PendingWithdrawal.Sign() == 0 {
		return TxResult{}, revert("NoPendingWithdrawal")
	}
	if f.now().Before(e.pos.WithdrawUnlockTime) {
		return TxResult{}, revert("WithdrawalLocked")
	}
	pending := e.pos.PendingWithdrawal
	e.pos.TotalDeposited.Sub(e.pos.TotalDeposited, pending)
	f.balance(token).Add(f.balance(token), pending)
	e.pos.PendingWithdrawal = new(big.Int)
	e.pos.WithdrawUnlockTime = time.Time{}
	return f.receipt("completeWithdrawal"), nil
}

func (f *FakeClient) CancelWithdrawal(_ context.Context, token common.Address) (TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("cancelWithdrawal"); err != nil {
		return TxResult{}, err
	}
	e := f.escrow(token)
	if e.pos.PendingWithdrawal.Sign() == 0 {
		return TxResult{}, revert("NoPendingWithdrawal")
	}
	e.pos.PendingWithdrawal = new(big.Int)
	e.pos.WithdrawUnlockTime = time.Time{}
	return f.receipt("cancelWithdrawal"), nil
}

func (f *FakeClient) ReportSpend(_ context.Context, token common.Address, spent *big.Int) (TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("reportSpend"); err != nil {
		return TxResult{}, err
	}
	if spent == nil || spent.Sign() <= 0 {
		return TxResult{}, revert("InvalidAmount")
	}
	e := f.escrow(token)
	if spent.Cmp(available(e.pos)) > 0 {
		return TxResult{}, revert("InsufficientBalance")
	}
	e.pos.ReleasedAmount.Add(e.pos.ReleasedAmount, spent)
	e.proofs = append(e.proofs, SpendProof{
		SpentAmount: new(big.Int).Set(spent),
		Timestamp:   f.now(),
	})
	return f.receipt("reportSpend"), nil
}

func (f *FakeClient) takeFailure(method string) error {
	if err := f.FailNext; err != nil {
		f.FailNext = nil
		return err
	}
	if err, ok := f.FailOn[method]; ok {
		delete(f.FailOn, method)
		return err
	}
	return nil
}

func (f *FakeClient) balance(token common.Address) *big.Int {
	b, ok := f.wallet[token]
	if !ok {
		b = new(big.Int)
		f.wallet[token] = b
	}
	return b
}

func (f *FakeClient) escrowID(token common.Address) common.Hash {
	return crypto.Keccak256Hash(f.user.Bytes(), token.Bytes())
}

func (f *FakeClient) escrow(token common.Address) *fakeEscrow {
	id := f.escrowID(token)
	e, ok := f.escrows[id]
	if !ok {
		e = &fakeEscrow{pos: Position{
			EscrowID:                  id,
			User:                      f.user,
			Token:                     token,
			TotalDeposited:            new(big.Int),
			ReleasedAmount:            new(big.Int),
			PendingWithdrawal:         new(big.Int),
			TimelockDuration:          f.DefaultTimelock,
			ReleasePercentagePerSpend: new(big.Int),
		}}
		f.escrows[id] = e
	}
	return e
}

func (f *FakeClient) receipt(method string) TxResult {
	f.txCount++
	return TxResult{TxHash: fakeHash(fmt.Sprintf("%s:%s:%d", f.user.Hex(), method, f.txCount)), BlockNumber: f.txCount}
}

// available is what can still be withdrawn or spent.
func available(p Position) *big.Int {
	out := new(big.Int).Sub(p.TotalDeposited, p.ReleasedAmount)
	out.Sub(out, p.PendingWithdrawal)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}

func copyPosition(p Position) Position {
	out := p
	out.TotalDeposited = new(big.Int).Set(p.TotalDeposited)
	out.ReleasedAmount = new(big.Int).Set(p.ReleasedAmount)
	out.PendingWithdrawal = new(big.Int).Set(p.PendingWithdrawal)
	out.ReleasePercentagePerSpend = new(big.Int).Set(p.ReleasePercentagePerSpend)
	return out
}

func revert(reason string) error {
	return fmt.Errorf("%w: execution reverted: %s", ErrReverted, reason)
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
