package escrow

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testUser = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testUSDC = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func usdc(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000)) }

// newFunded returns a fake contract with $100 USDC already deposited.
func newFunded(t *testing.T, policy PendingPolicy) (*FakeClient, *Manager, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	fake := NewFakeClient(testUser, clk.now)
	fake.Fund(testUSDC, 6, usdc(150))

	_, err := fake.Deposit(context.Background(), DepositRequest{
		Token:            testUSDC,
		Amount:           usdc(100),
		TimelockDuration: 24 * time.Hour,
	})
	require.NoError(t, err)

	return fake, NewManager(fake, policy).WithClock(clk.now), clk
}

func TestWithdrawalScenario(t *testing.T) {
	ctx := context.Background()
	fake, mgr, clk := newFunded(t, PolicyReject)

	_, err := mgr.Initiate(ctx, testUSDC, usdc(30))
	require.NoError(t, err)

	pos, err := fake.Position(ctx, testUSDC)
	require.NoError(t, err)
	assert.Equal(t, usdc(30), pos.PendingWithdrawal)
	assert.Equal(t, PendingLocked, StateAt(pos, clk.now()))

	avail, err := fake.AvailableBalance(ctx, testUSDC)
	require.NoError(t, err)
	assert.Equal(t, usdc(70), avail)

	_, _, err = mgr.Complete(ctx, testUSDC)
	require.ErrorIs(t, err, ErrWithdrawalLocked)

	clk.advance(24 * time.Hour)
	_, released, err := mgr.Complete(ctx, testUSDC)
	require.NoError(t, err)
	assert.Equal(t, usdc(30), released)

	pos, err = fake.Position(ctx, testUSDC)
	require.NoError(t, err)
	assert.Equal(t, 0, pos.PendingWithdrawal.Sign())
	assert.Equal(t, NoWithdrawal, StateAt(pos, clk.now()))

	bal, err := fake.TokenBalance(ctx, testUSDC)
	require.NoError(t, err)
	assert.Equal(t, usdc(80), bal)
}

func TestCompleteNeverSucceedsBeforeUnlock(t *testing.T) {
	ctx := context.Background()
	fake, mgr, clk := newFunded(t, PolicyReject)

	_, err := mgr.Initiate(ctx, testUSDC, usdc(10))
	require.NoError(t, err)
	pos, err := fake.Position(ctx, testUSDC)
	require.NoError(t, err)
	unlock := pos.WithdrawUnlockTime

	r := rand.New(rand.NewSource(7))
	for clk.now().Before(unlock) {
		_, _, err := mgr.Complete(ctx, testUSDC)
		require.ErrorIs(t, err, ErrWithdrawalLocked, "at %s", clk.now())

		// the contract itself must refuse too
		_, err = fake.CompleteWithdrawal(ctx, testUSDC)
		require.ErrorIs(t, err, ErrReverted)

		clk.advance(time.Duration(r.Int63n(int64(3 * time.Hour))))
	}

	_, _, err = mgr.Complete(ctx, testUSDC)
	require.NoError(t, err)
}

func TestCancelThenInitiateResets(t *testing.T) {
	ctx := context.Background()
	fake, mgr, _ := newFunded(t, PolicyReject)

	_, err := mgr.Initiate(ctx, testUSDC, usdc(30))
	require.NoError(t, err)
	_, err = mgr.Cancel(ctx, testUSDC)
	require.NoError(t, err)
	_, err = mgr.Initiate(ctx, testUSDC, usdc(20))
	require.NoError(t, err)

	pos, err := fake.Position(ctx, testUSDC)
	require.NoError(t, err)
	assert.Equal(t, usdc(20), pos.PendingWithdrawal)

	avail, err := fake.AvailableBalance(ctx, testUSDC)
	require.NoError(t, err)
	assert.Equal(t, usdc(80), avail)
}

func TestCancelWithoutPending(t *testing.T) {
	_, mgr, _ := newFunded(t, PolicyReject)
	_, err := mgr.Cancel(context.Background(), testUSDC)
	require.ErrorIs(t, err, ErrNoPendingWithdrawal)

	_, _, err = mgr.Complete(context.Background(), testUSDC)
	require.ErrorIs(t, err, ErrNoPendingWithdrawal)
}

func TestCancelWhileUnlocked(t *testing.T) {
	ctx := context.Background()
	fake, mgr, clk := newFunded(t, PolicyReject)

	_, err := mgr.Initiate(ctx, testUSDC, usdc(30))
	require.NoError(t, err)
	clk.advance(48 * time.Hour)

	pos, err := fake.Position(ctx, testUSDC)
	require.NoError(t, err)
	require.Equal(t, PendingUnlocked, StateAt(pos, clk.now()))

	_, err = mgr.Cancel(ctx, testUSDC)
	require.NoError(t, err)

	bal, err := fake.TokenBalance(ctx, testUSDC)
	require.NoError(t, err)
	assert.Equal(t, usdc(50), bal, "cancel must not transfer funds")
}

func TestInitiateValidation(t *testing.T) {
	ctx := context.Background()
	fake, mgr, _ := newFunded(t, PolicyReject)

	_, err := mgr.Initiate(ctx, testUSDC, big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = mgr.Initiate(ctx, testUSDC, big.NewInt(-5))
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = mgr.Initiate(ctx, testUSDC, usdc(101))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	pos, err := fake.Position(ctx, testUSDC)
	require.NoError(t, err)
	assert.False(t, pos.HasPendingWithdrawal())
}

func TestPendingPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("reject", func(t *testing.T) {
		fake, mgr, _ := newFunded(t, PolicyReject)
		_, err := mgr.Initiate(ctx, testUSDC, usdc(30))
		require.NoError(t, err)

		_, err = mgr.Initiate(ctx, testUSDC, usdc(10))
		require.ErrorIs(t, err, ErrWithdrawalPending)

		pos, _ := fake.Position(ctx, testUSDC)
		assert.Equal(t, usdc(30), pos.PendingWithdrawal)
	})

	t.Run("replace", func(t *testing.T) {
		fake, mgr, clk := newFunded(t, PolicyReplace)
		_, err := mgr.Initiate(ctx, testUSDC, usdc(30))
		require.NoError(t, err)
		clk.advance(time.Hour)

		// 90 is more than the 70 available but within 70 + the 30 being replaced
		_, err = mgr.Initiate(ctx, testUSDC, usdc(90))
		require.NoError(t, err)

		pos, _ := fake.Position(ctx, testUSDC)
		assert.Equal(t, usdc(90), pos.PendingWithdrawal)
		assert.Equal(t, clk.now().Add(24*time.Hour), pos.WithdrawUnlockTime)

		_, err = mgr.Initiate(ctx, testUSDC, usdc(101))
		require.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("accumulate", func(t *testing.T) {
		fake, mgr, _ := newFunded(t, PolicyAccumulate)
		_, err := mgr.Initiate(ctx, testUSDC, usdc(30))
		require.NoError(t, err)
		_, err = mgr.Initiate(ctx, testUSDC, usdc(20))
		require.NoError(t, err)

		pos, _ := fake.Position(ctx, testUSDC)
		assert.Equal(t, usdc(50), pos.PendingWithdrawal)

		_, err = mgr.Initiate(ctx, testUSDC, usdc(51))
		require.ErrorIs(t, err, ErrInsufficientBalance)
	})
}

func TestParsePendingPolicy(t *testing.T) {
	p, err := ParsePendingPolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyReject, p)

	p, err = ParsePendingPolicy(" Replace ")
	require.NoError(t, err)
	assert.Equal(t, PolicyReplace, p)

	_, err = ParsePendingPolicy("overwrite")
	require.Error(t, err)
}

func TestReplaceReportsCancelledPending(t *testing.T) {
	ctx := context.Background()
	fake, mgr, _ := newFunded(t, PolicyReplace)
	_, err := mgr.Initiate(ctx, testUSDC, usdc(30))
	require.NoError(t, err)

	boom := errors.New("nonce too low")
	fake.FailOn = map[string]error{"initiateWithdrawal": boom}

	_, err = mgr.Initiate(ctx, testUSDC, usdc(40))
	require.ErrorIs(t, err, ErrPendingCancelled)
	require.ErrorIs(t, err, boom)

	pos, _ := fake.Position(ctx, testUSDC)
	assert.False(t, pos.HasPendingWithdrawal(), "the earlier withdrawal was cancelled")
}

func TestContractFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	fake, mgr, _ := newFunded(t, PolicyReject)
	boom := errors.New("rpc unavailable")
	fake.FailNext = boom

	_, err := mgr.Initiate(ctx, testUSDC, usdc(10))
	require.ErrorIs(t, err, boom)

	pos, _ := fake.Position(ctx, testUSDC)
	assert.False(t, pos.HasPendingWithdrawal())
}

func TestTimelockAt(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	pos := Position{PendingWithdrawal: usdc(5), WithdrawUnlockTime: now.Add(90 * time.Minute)}

	tl := TimelockAt(pos, now)
	assert.True(t, tl.IsLocked)
	assert.Equal(t, 90*time.Minute, tl.Remaining)
	assert.Equal(t, PendingLocked, tl.State)
	assert.Equal(t, usdc(5), tl.PendingAmount)

	tl = TimelockAt(pos, now.Add(2*time.Hour))
	assert.False(t, tl.IsLocked)
	assert.Zero(t, tl.Remaining)
	assert.Equal(t, PendingUnlocked, tl.State)

	tl = TimelockAt(Position{}, now)
	assert.Equal(t, NoWithdrawal, tl.State)
	assert.Equal(t, 0, tl.PendingAmount.Sign())
}

func TestFormatTimelockDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{72 * time.Hour, "3 days"},
		{49 * time.Hour, "2 days"},
		{24 * time.Hour, "24 hours"},
		{3*time.Hour + 5*time.Minute, "3 hours 5 min"},
		{time.Hour, "1 hour"},
		{10 * time.Minute, "10 minutes"},
		{time.Minute, "1 minute"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatTimelockDuration(tt.in), tt.in.String())
	}
}
