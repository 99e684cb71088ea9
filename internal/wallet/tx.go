package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	// ErrTxFailed is returned when a mined transaction has a failed status.
	ErrTxFailed = errors.New("transaction failed on-chain")
	// ErrNotMined is returned when a broadcast transaction has no receipt
	// within ReceiptTimeout. It may still be mined later.
	ErrNotMined = errors.New("transaction broadcast but not mined yet")
)

// TxRequest is a transaction whose parameters were chosen by a third party
// (for example a bridge quote). Nil gas fields are filled from the node.
type TxRequest struct {
	ChainID              uint64
	To                   common.Address
	Data                 []byte
	Value                *big.Int
	Gas                  uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// ReceiptPollInterval is how often WaitForReceipt asks the node.
var ReceiptPollInterval = 2 * time.Second

// SendTransaction signs req as an EIP-1559 transaction, submits it and waits
// for it to be mined.
func (s *Signer) SendTransaction(ctx context.Context, req TxRequest) (*types.Receipt, error) {
	cli, err := s.Client(ctx, req.ChainID)
	if err != nil {
		return nil, err
	}

	var receipt *types.Receipt
	err = s.Exclusive(ctx, func() error {
		tx, err := s.buildTx(ctx, cli, req)
		if err != nil {
			return err
		}
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(req.ChainID)), s.key)
		if err != nil {
			return fmt.Errorf("sign tx: %w", err)
		}
		if err := cli.SendTransaction(ctx, signed); err != nil {
			return fmt.Errorf("send tx: %w", err)
		}
		receipt, err = AwaitMined(ctx, cli, signed)
		return err
	})
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrTxFailed, receipt.TxHash.Hex())
	}
	return receipt, nil
}

func (s *Signer) buildTx(ctx context.Context, cli *ethclient.Client, req TxRequest) (*types.Transaction, error) {
	nonce, err := cli.PendingNonceAt(ctx, s.address)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	tip := req.MaxPriorityFeePerGas
	if tip == nil {
		if tip, err = cli.SuggestGasTipCap(ctx); err != nil {
			return nil, fmt.Errorf("suggest tip: %w", err)
		}
	}
	feeCap := req.MaxFeePerGas
	if feeCap == nil {
		head, err := cli.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("fetch head: %w", err)
		}
		feeCap = new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas := req.Gas
	if gas == 0 {
		to := req.To
		gas, err = cli.EstimateGas(ctx, ethereum.CallMsg{
			From:      s.address,
			To:        &to,
			Value:     value,
			Data:      req.Data,
			GasTipCap: tip,
			GasFeeCap: feeCap,
		})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
	}

	to := req.To
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(req.ChainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	}), nil
}

// ReceiptReader is the subset of ethclient needed to wait for a receipt.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// ReceiptTimeout bounds AwaitMined.
var ReceiptTimeout = 5 * time.Minute

// AwaitMined waits for a transaction that has already been broadcast.
// Cancelling ctx does not stop the wait; only ReceiptTimeout does, after which
// ErrNotMined is returned.
func AwaitMined(ctx context.Context, client ReceiptReader, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ReceiptTimeout)
	defer cancel()
	receipt, err := WaitForReceipt(waitCtx, client, tx)
	if err != nil && waitCtx.Err() != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotMined, tx.Hash().Hex())
	}
	return receipt, err
}

// WaitForReceipt polls until the transaction is mined or ctx is cancelled.
func WaitForReceipt(ctx context.Context, client ReceiptReader, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
