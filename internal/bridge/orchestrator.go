package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"aedzpay/internal/retry"
	"aedzpay/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrStepFailed      = errors.New("bridge step failed")
	ErrIntentFailed    = errors.New("bridge intent failed")
	ErrUnsupportedStep = errors.New("unsupported step")
)

// DefaultPollPolicy polls a check endpoint once a second for up to a minute.
var DefaultPollPolicy = retry.Fixed(60, time.Second)

// Signer is the wallet capability a quote's steps need.
type Signer interface {
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	SendTransaction(ctx context.Context, req wallet.TxRequest) (*types.Receipt, error)
}

// Observer receives per-step and per-poll outcomes, typically for metrics.
type Observer interface {
	StepExecuted(kind, status string)
	Polled(result string)
}

type nopObserver struct{}

func (nopObserver) StepExecuted(string, string) {}
func (nopObserver) Polled(string)               {}

// Progress is reported after every executed item.
type Progress struct {
	Step   int    `json:"step"`
	StepID string `json:"stepId"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	TxHash string `json:"txHash,omitempty"`
}

// Result of a fully executed quote.
type Result struct {
	RequestID string   `json:"requestId"`
	TxHashes  []string `json:"txHashes"`
}

// Orchestrator executes the steps of a quote strictly in order. Any failure,
// including an exhausted poll budget, aborts the remaining steps; a failed
// transfer has to be restarted from a new quote.
type Orchestrator struct {
	client   *Client
	signer   Signer
	poll     retry.Policy
	observer Observer
	logger   *slog.Logger
}

func NewOrchestrator(client *Client, signer Signer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		client:   client,
		signer:   signer,
		poll:     DefaultPollPolicy,
		observer: nopObserver{},
		logger:   logger.With("component", "bridge"),
	}
}

func (o *Orchestrator) WithPollPolicy(p retry.Policy) *Orchestrator {
	o.poll = p
	return o
}

func (o *Orchestrator) WithObserver(obs Observer) *Orchestrator {
	if obs != nil {
		o.observer = obs
	}
	return o
}

// Execute runs every incomplete item of every step. progress may be nil.
func (o *Orchestrator) Execute(ctx context.Context, q Quote, progress func(Progress)) (Result, error) {
	res := Result{RequestID: q.RequestID()}
	report := func(p Progress) {
		if progress != nil {
			progress(p)
		}
	}

	for i, step := range q.Steps {
		for _, item := range step.Items {
			if item.Complete() {
				continue
			}
			txHash, err := o.executeItem(ctx, step, item)
			if err != nil {
				o.observer.StepExecuted(step.Kind, "failed")
				report(Progress{Step: i, StepID: step.ID, Kind: step.Kind, Status: "failed"})
				o.logger.Error("bridge step failed", "step", i, "id", step.ID, "kind", step.Kind, "err", err)
				return res, fmt.Errorf("%w: step %d (%s): %w", ErrStepFailed, i, step.ID, err)
			}
			if txHash != "" {
				res.TxHashes = append(res.TxHashes, txHash)
			}

			if item.Check != nil && item.Check.Endpoint != "" {
				if err := o.awaitCheck(ctx, *item.Check); err != nil {
					o.observer.StepExecuted(step.Kind, "failed")
					report(Progress{Step: i, StepID: step.ID, Kind: step.Kind, Status: "failed", TxHash: txHash})
					o.logger.Error("bridge step check failed", "step", i, "id", step.ID, "err", err)
					return res, fmt.Errorf("%w: step %d (%s): %w", ErrStepFailed, i, step.ID, err)
				}
			}

			o.observer.StepExecuted(step.Kind, "complete")
			report(Progress{Step: i, StepID: step.ID, Kind: step.Kind, Status: "complete", TxHash: txHash})
			o.logger.Info("bridge step complete", "step", i, "id", step.ID, "kind", step.Kind, "tx", txHash)
		}
	}
	return res, nil
}

func (o *Orchestrator) executeItem(ctx context.Context, step Step, item StepItem) (string, error) {
	switch step.Kind {
	case KindSignature:
		return "", o.sign(ctx, item.Data)
	case KindTransaction:
		return o.transact(ctx, item.Data)
	default:
		return "", fmt.Errorf("%w: kind %q", ErrUnsupportedStep, step.Kind)
	}
}

func (o *Orchestrator) sign(ctx context.Context, raw json.RawMessage) error {
	var data SignatureData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode signature item: %w", err)
	}

	var (
		sig []byte
		err error
	)
	switch strings.ToLower(data.Sign.SignatureKind) {
	case "eip191":
		sig, err = o.signer.SignMessage(ctx, messageBytes(data.Sign.Message))
	case "eip712":
		var typed apitypes.TypedData
		typed, err = typedData(data)
		if err == nil {
			sig, err = o.signer.SignTypedData(ctx, typed)
		}
	default:
		return fmt.Errorf("%w: signature kind %q", ErrUnsupportedStep, data.Sign.SignatureKind)
	}
	if err != nil {
		return err
	}

	return o.client.PostSignature(ctx, data.Post.Endpoint, data.Post.Method, data.Post.Body, hexutil.Encode(sig))
}

// messageBytes signs hex payloads as raw bytes and anything else as text.
func messageBytes(msg string) []byte {
	if strings.HasPrefix(msg, "0x") {
		if b, err := hexutil.Decode(msg); err == nil {
			return b
		}
	}
	return []byte(msg)
}

func typedData(data SignatureData) (apitypes.TypedData, error) {
	envelope := struct {
		Types       json.RawMessage `json:"types"`
		PrimaryType string          `json:"primaryType"`
		Domain      json.RawMessage `json:"domain"`
		Message     json.RawMessage `json:"message"`
	}{data.Sign.Types, data.Sign.PrimaryType, data.Sign.Domain, data.Sign.Value}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return apitypes.TypedData{}, err
	}
	var td apitypes.TypedData
	if err := json.Unmarshal(raw, &td); err != nil {
		return apitypes.TypedData{}, fmt.Errorf("decode typed data: %w", err)
	}
	return td, nil
}

func (o *Orchestrator) transact(ctx context.Context, raw json.RawMessage) (string, error) {
	var data TransactionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("decode transaction item: %w", err)
	}
	req, err := txRequest(data)
	if err != nil {
		return "", err
	}
	receipt, err := o.signer.SendTransaction(ctx, req)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

func txRequest(d TransactionData) (wallet.TxRequest, error) {
	if !common.IsHexAddress(d.To) {
		return wallet.TxRequest{}, fmt.Errorf("transaction item: invalid to %q", d.To)
	}
	if d.ChainID == 0 {
		return wallet.TxRequest{}, fmt.Errorf("transaction item: missing chain id")
	}
	req := wallet.TxRequest{ChainID: d.ChainID, To: common.HexToAddress(d.To)}

	if d.Data != "" && d.Data != "0x" {
		b, err := hexutil.Decode(d.Data)
		if err != nil {
			return wallet.TxRequest{}, fmt.Errorf("transaction item: data: %w", err)
		}
		req.Data = b
	}

	var err error
	if req.Value, err = bigField("value", d.Value); err != nil {
		return wallet.TxRequest{}, err
	}
	if req.MaxFeePerGas, err = bigField("maxFeePerGas", d.MaxFeePerGas); err != nil {
		return wallet.TxRequest{}, err
	}
	if req.MaxPriorityFeePerGas, err = bigField("maxPriorityFeePerGas", d.MaxPriorityFeePerGas); err != nil {
		return wallet.TxRequest{}, err
	}
	if d.Gas != "" {
		gas, err := bigField("gas", d.Gas.String())
		if err != nil {
			return wallet.TxRequest{}, err
		}
		if !gas.IsUint64() {
			return wallet.TxRequest{}, fmt.Errorf("transaction item: gas out of range")
		}
		req.Gas = gas.Uint64()
	}
	return req, nil
}

// bigField parses a decimal or 0x-prefixed integer. Empty yields nil.
func bigField(name, v string) (*big.Int, error) {
	if v == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(v, 0)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("transaction item: invalid %s %q", name, v)
	}
	return n, nil
}

// awaitCheck polls chk until it reports success. Transport errors are retried
// within the same budget.
func (o *Orchestrator) awaitCheck(ctx context.Context, chk Check) error {
	err := o.poll.Poll(ctx, func(ctx context.Context, attempt int) (bool, error) {
		st, err := o.client.Check(ctx, chk)
		if err != nil {
			o.observer.Polled("error")
			o.logger.Warn("bridge status check failed", "attempt", attempt, "err", err)
			return false, nil
		}
		switch strings.ToLower(st.Status) {
		case StatusSuccess:
			o.observer.Polled("success")
			return true, nil
		case StatusFailure, StatusRefund, "failed":
			o.observer.Polled("failure")
			return false, fmt.Errorf("%w: status %s %s", ErrIntentFailed, st.Status, st.Details)
		default:
			o.observer.Polled("pending")
			return false, nil
		}
	})
	if errors.Is(err, retry.ErrExhausted) {
		o.observer.Polled("exhausted")
	}
	return err
}
