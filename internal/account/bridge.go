package account

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"aedzpay/internal/amount"
	"aedzpay/internal/bridge"
	"aedzpay/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var ErrBridgeDisabled = errors.New("bridge is not configured")

// BridgeRequest is a user-facing bridge order. Amount is a decimal string in
// units of the origin currency.
type BridgeRequest struct {
	OriginChainID       uint64 `json:"originChainId"`
	DestinationChainID  uint64 `json:"destinationChainId"`
	OriginCurrency      string `json:"originCurrency"`
	DestinationCurrency string `json:"destinationCurrency"`
	Amount              string `json:"amount"`
	Decimals            int    `json:"decimals"`
	Recipient           string `json:"recipient,omitempty"`
}

type QuoteView struct {
	Quote     bridge.Quote `json:"quote"`
	FeesUSD   string       `json:"feesUsd"`
	Receive   string       `json:"receiveUsd"`
	Message   string       `json:"message"`
	RequestID string       `json:"requestId"`
}

func (s *Service) Chains(ctx context.Context) ([]bridge.Chain, error) {
	if s.relay == nil {
		return nil, ErrBridgeDisabled
	}
	chains, err := s.relay.Chains(ctx)
	if err != nil {
		return nil, err
	}
	out := chains[:0]
	for _, c := range chains {
		if !c.Disabled {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Service) quoteRequest(req BridgeRequest) (bridge.QuoteRequest, decimal.Decimal, error) {
	if req.OriginChainID == 0 || req.DestinationChainID == 0 {
		return bridge.QuoteRequest{}, decimal.Zero, fmt.Errorf("%w: origin and destination chains are required", ErrValidation)
	}
	if req.OriginChainID == req.DestinationChainID && strings.EqualFold(req.OriginCurrency, req.DestinationCurrency) {
		return bridge.QuoteRequest{}, decimal.Zero, fmt.Errorf("%w: origin and destination are the same", ErrValidation)
	}
	for _, c := range []string{req.OriginCurrency, req.DestinationCurrency} {
		if !common.IsHexAddress(c) {
			return bridge.QuoteRequest{}, decimal.Zero, fmt.Errorf("%w: invalid currency %q", ErrValidation, c)
		}
	}
	if req.Recipient != "" && !common.IsHexAddress(req.Recipient) {
		return bridge.QuoteRequest{}, decimal.Zero, fmt.Errorf("%w: invalid recipient", ErrValidation)
	}
	decimals := req.Decimals
	if decimals == 0 {
		decimals = 6
	}
	raw, err := amount.ParseUnits(req.Amount, decimals)
	if err != nil {
		return bridge.QuoteRequest{}, decimal.Zero, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if !amount.Positive(raw) {
		return bridge.QuoteRequest{}, decimal.Zero, fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}

	qr := bridge.QuoteRequest{
		User:                s.escrow.Address().Hex(),
		Recipient:           req.Recipient,
		OriginChainID:       req.OriginChainID,
		DestinationChainID:  req.DestinationChainID,
		OriginCurrency:      req.OriginCurrency,
		DestinationCurrency: req.DestinationCurrency,
		Amount:              raw.String(),
		TradeType:           "EXACT_INPUT",
	}
	return qr, amount.Decimal(raw, decimals), nil
}

// Quote asks the relay for a plan. The receive estimate treats the origin
// amount as USD, which holds for the stablecoins the account bridges.
func (s *Service) Quote(ctx context.Context, req BridgeRequest) (QuoteView, error) {
	if s.relay == nil {
		return QuoteView{}, ErrBridgeDisabled
	}
	qr, value, err := s.quoteRequest(req)
	if err != nil {
		return QuoteView{}, err
	}
	q, err := s.relay.Quote(ctx, qr)
	if err != nil {
		return QuoteView{}, err
	}
	return QuoteView{
		Quote:     q,
		FeesUSD:   amount.FormatUSD(bridge.TotalFeesUSD(q.Fees)),
		Receive:   amount.FormatUSD(bridge.ReceiveEstimate(value, q.Fees)),
		Message:   bridge.ReceiveMessage(value, q.Fees),
		RequestID: q.RequestID(),
	}, nil
}

// StartBridge fetches a fresh quote and executes it in the background. Only
// one bridge per origin currency runs at a time; the guard is held until the
// intent finishes.
func (s *Service) StartBridge(ctx context.Context, req BridgeRequest) (bridge.Intent, error) {
	if s.relay == nil || s.intents == nil {
		return bridge.Intent{}, ErrBridgeDisabled
	}
	qr, value, err := s.quoteRequest(req)
	if err != nil {
		s.finish(ActionBridge, err)
		return bridge.Intent{}, err
	}

	release, err := s.acquire(common.HexToAddress(qr.OriginCurrency), ActionBridge)
	if err != nil {
		s.finish(ActionBridge, err)
		return bridge.Intent{}, err
	}

	q, err := s.relay.Quote(ctx, qr)
	if err != nil {
		release()
		s.finish(ActionBridge, err)
		return bridge.Intent{}, err
	}

	rec := s.ledger.Record(ledger.Entry{
		Type:    ledger.TypeBridge,
		Amount:  value,
		From:    chainLabel(qr.OriginChainID),
		To:      chainLabel(qr.DestinationChainID),
		Network: chainLabel(qr.DestinationChainID),
	})

	return s.intents.Start(qr, q, func(in bridge.Intent, err error) {
		defer release()
		if err != nil {
			_, _ = s.ledger.Fail(rec.ID, err)
			s.finish(ActionBridge, err)
			return
		}
		var hash string
		if n := len(in.TxHashes); n > 0 {
			hash = in.TxHashes[n-1]
		}
		_, _ = s.ledger.Complete(rec.ID, hash)
		s.finish(ActionBridge, nil)
		s.Refresh(context.Background())
	}), nil
}

func (s *Service) Intent(id string) (bridge.Intent, error) {
	if s.intents == nil {
		return bridge.Intent{}, ErrBridgeDisabled
	}
	return s.intents.Get(id)
}

var chainNames = map[uint64]string{
	1:     "Ethereum",
	10:    "Optimism",
	56:    "BSC",
	137:   "Polygon",
	8453:  "Base",
	42161: "Arbitrum",
	43114: "Avalanche",
	84532: "Base Sepolia",
}

func chainLabel(id uint64) string {
	if name, ok := chainNames[id]; ok {
		return name
	}
	return strconv.FormatUint(id, 10)
}
