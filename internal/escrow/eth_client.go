package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"aedzpay/internal/contracts"
	"aedzpay/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient reads and writes the escrow contract on behalf of the signer.
type EthClient struct {
	client   *ethclient.Client
	escrow   *bind.BoundContract
	erc20    abi.ABI
	address  common.Address
	user     common.Address
	chainID  *big.Int
	signer   *wallet.Signer
	decimals sync.Map // common.Address -> uint8
}

type EthClientConfig struct {
	RPCURL        string
	EscrowAddress string
	// User is the escrow owner used for reads when Signer is nil.
	User   string
	Signer *wallet.Signer
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.EscrowAddress) {
		return nil, fmt.Errorf("escrow address is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	escrowABI, err := abi.JSON(strings.NewReader(string(contracts.EscrowABI)))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(string(contracts.ERC20ABI)))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	address := common.HexToAddress(cfg.EscrowAddress)
	c := &EthClient{
		client:  cli,
		escrow:  bind.NewBoundContract(address, escrowABI, cli, cli, cli),
		erc20:   erc20ABI,
		address: address,
		chainID: chainID,
		signer:  cfg.Signer,
	}
	switch {
	case cfg.Signer != nil:
		c.user = cfg.Signer.Address()
	case common.IsHexAddress(cfg.User):
		c.user = common.HexToAddress(cfg.User)
	default:
		return nil, fmt.Errorf("signer or user address is required")
	}
	return c, nil
}

func (c *EthClient) Address() common.Address { return c.user }

func (c *EthClient) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *EthClient) token(token common.Address) *bind.BoundContract {
	return bind.NewBoundContract(token, c.erc20, c.client, c.client, c.client)
}

func (c *EthClient) call(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return out, nil
}

func (c *EthClient) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	if d, ok := c.decimals.Load(token); ok {
		return d.(uint8), nil
	}
	out, err := c.call(ctx, c.token(token), "decimals")
	if err != nil {
		return 0, err
	}
	d := *abi.ConvertType(out[0], new(uint8)).(*uint8)
	c.decimals.Store(token, d)
	return d, nil
}

func (c *EthClient) TokenBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.token(token), "balanceOf", c.user)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (c *EthClient) EscrowID(ctx context.Context, token common.Address) (common.Hash, error) {
	out, err := c.call(ctx, c.escrow, "getUserEscrowId", c.user, token)
	if err != nil {
		return common.Hash{}, err
	}
	id := *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)
	return common.Hash(id), nil
}

func (c *EthClient) Position(ctx context.Context, token common.Address) (Position, error) {
	id, err := c.EscrowID(ctx, token)
	if err != nil {
		return Position{}, err
	}
	out, err := c.call(ctx, c.escrow, "escrows", id)
	if err != nil {
		return Position{}, err
	}
	if len(out) != 9 {
		return Position{}, fmt.Errorf("escrows: unexpected %d outputs", len(out))
	}

	pos := Position{
		EscrowID:                  id,
		User:                      *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Token:                     *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		TotalDeposited:            abi.ConvertType(out[2], new(big.Int)).(*big.Int),
		ReleasedAmount:            abi.ConvertType(out[3], new(big.Int)).(*big.Int),
		PendingWithdrawal:         abi.ConvertType(out[4], new(big.Int)).(*big.Int),
		ReleasePercentagePerSpend: abi.ConvertType(out[7], new(big.Int)).(*big.Int),
		IsActive:                  *abi.ConvertType(out[8], new(bool)).(*bool),
	}
	if unlock := abi.ConvertType(out[5], new(big.Int)).(*big.Int); unlock.Sign() > 0 {
		pos.WithdrawUnlockTime = time.Unix(unlock.Int64(), 0)
	}
	lock := abi.ConvertType(out[6], new(big.Int)).(*big.Int)
	pos.TimelockDuration = time.Duration(lock.Int64()) * time.Second
	return pos, nil
}

func (c *EthClient) AvailableBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	id, err := c.EscrowID(ctx, token)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, c.escrow, "getAvailableBalance", id)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

type spendProofTuple struct {
	SpentAmount *big.Int
	Timestamp   *big.Int
	Verified    bool
	VerifiedBy  common.Address
}

func (c *EthClient) SpendProofs(ctx context.Context, token common.Address) ([]SpendProof, error) {
	id, err := c.EscrowID(ctx, token)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, c.escrow, "getSpendProofs", id)
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(out[0], new([]spendProofTuple)).(*[]spendProofTuple)

	proofs := make([]SpendProof, 0, len(raw))
	for _, p := range raw {
		proofs = append(proofs, SpendProof{
			SpentAmount: p.SpentAmount,
			Timestamp:   time.Unix(p.Timestamp.Int64(), 0),
			Verified:    p.Verified,
			VerifiedBy:  p.VerifiedBy,
		})
	}
	return proofs, nil
}

// Deposit approves the escrow for amount when the current allowance is short,
// then deposits.
func (c *EthClient) Deposit(ctx context.Context, req DepositRequest) (TxResult, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return TxResult{}, ErrInvalidAmount
	}
	erc20 := c.token(req.Token)

	out, err := c.call(ctx, erc20, "allowance", c.user, c.address)
	if err != nil {
		return TxResult{}, err
	}
	if allowance := abi.ConvertType(out[0], new(big.Int)).(*big.Int); allowance.Cmp(req.Amount) < 0 {
		if _, err := c.transact(ctx, erc20, "approve", c.address, req.Amount); err != nil {
			return TxResult{}, fmt.Errorf("approve: %w", err)
		}
	}

	lock := big.NewInt(int64(req.TimelockDuration / time.Second))
	pct := req.ReleasePercentagePerSpend
	if pct == nil {
		pct = new(big.Int)
	}
	return c.transact(ctx, c.escrow, "deposit", req.Token, req.Amount, lock, pct)
}

func (c *EthClient) InitiateWithdrawal(ctx context.Context, token common.Address, amount *big.Int) (TxResult, error) {
	return c.transact(ctx, c.escrow, "initiateWithdrawal", token, amount)
}

func (c *EthClient) CompleteWithdrawal(ctx context.Context, token common.Address) (TxResult, error) {
	return c.transact(ctx, c.escrow, "completeWithdrawal", token)
}

func (c *EthClient) CancelWithdrawal(ctx context.Context, token common.Address) (TxResult, error) {
	return c.transact(ctx, c.escrow, "cancelWithdrawal", token)
}

func (c *EthClient) ReportSpend(ctx context.Context, token common.Address, spent *big.Int) (TxResult, error) {
	id, err := c.EscrowID(ctx, token)
	if err != nil {
		return TxResult{}, err
	}
	return c.transact(ctx, c.escrow, "reportSpend", id, spent)
}

// transact submits one call while holding the signer's submission slot and
// waits for it to be mined. Once broadcast, the wait survives cancellation of
// ctx.
func (c *EthClient) transact(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) (TxResult, error) {
	if c.signer == nil {
		return TxResult{}, ErrReadOnly
	}

	var res TxResult
	err := c.signer.Exclusive(ctx, func() error {
		opts, err := c.signer.TransactOpts(ctx, c.chainID)
		if err != nil {
			return err
		}
		tx, err := contract.Transact(opts, method, args...)
		if err != nil {
			if strings.Contains(err.Error(), "execution reverted") {
				return fmt.Errorf("%w: %s: %v", ErrReverted, method, err)
			}
			return fmt.Errorf("%s tx: %w", method, err)
		}
		// From here on the transaction is out; report its hash even if the
		// receipt never arrives so the caller can keep tracking it.
		res = TxResult{TxHash: tx.Hash().Hex()}
		receipt, err := wallet.AwaitMined(ctx, c.client, tx)
		if err != nil {
			return fmt.Errorf("wait for %s: %w", method, err)
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return fmt.Errorf("%w: %s %s", ErrReverted, method, tx.Hash().Hex())
		}
		res = TxResult{TxHash: tx.Hash().Hex(), BlockNumber: receipt.BlockNumber.Uint64()}
		return nil
	})
	return res, err
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) Close() {
	c.client.Close()
}
