package bridge

import (
	"encoding/json"
	"strings"
)

// Step kinds as returned in a quote.
const (
	KindSignature   = "signature"
	KindTransaction = "transaction"
)

// Relay intent statuses returned by check and status endpoints.
const (
	StatusWaiting = "waiting"
	StatusPending = "pending"
	StatusDelayed = "delayed"
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusRefund  = "refund"
)

type Currency struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
}

type Chain struct {
	ID          uint64   `json:"id"`
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	HTTPRPCURL  string   `json:"httpRpcUrl"`
	ExplorerURL string   `json:"explorerUrl"`
	Disabled    bool     `json:"disabled"`
	Currency    Currency `json:"currency"`
}

type QuoteRequest struct {
	User                string `json:"user"`
	Recipient           string `json:"recipient,omitempty"`
	OriginChainID       uint64 `json:"originChainId"`
	DestinationChainID  uint64 `json:"destinationChainId"`
	OriginCurrency      string `json:"originCurrency"`
	DestinationCurrency string `json:"destinationCurrency"`
	// Amount is in raw units of the origin currency.
	Amount    string `json:"amount"`
	TradeType string `json:"tradeType"`
}

type Quote struct {
	Steps   []Step          `json:"steps"`
	Fees    Fees            `json:"fees"`
	Details json.RawMessage `json:"details,omitempty"`
}

// RequestID returns the first request id carried by any step.
func (q Quote) RequestID() string {
	for _, s := range q.Steps {
		if s.RequestID != "" {
			return s.RequestID
		}
	}
	return ""
}

type Step struct {
	ID          string     `json:"id"`
	Action      string     `json:"action"`
	Description string     `json:"description"`
	Kind        string     `json:"kind"`
	RequestID   string     `json:"requestId,omitempty"`
	Items       []StepItem `json:"items"`
}

type StepItem struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Check  *Check          `json:"check,omitempty"`
}

// Complete reports whether the server already considers the item done.
func (i StepItem) Complete() bool { return strings.EqualFold(i.Status, "complete") }

// Check is a status endpoint to poll after an item is executed.
type Check struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
}

type SignatureData struct {
	Sign struct {
		SignatureKind string          `json:"signatureKind"`
		Message       string          `json:"message,omitempty"`
		Domain        json.RawMessage `json:"domain,omitempty"`
		Types         json.RawMessage `json:"types,omitempty"`
		Value         json.RawMessage `json:"value,omitempty"`
		PrimaryType   string          `json:"primaryType,omitempty"`
	} `json:"sign"`
	Post struct {
		Endpoint string          `json:"endpoint"`
		Method   string          `json:"method"`
		Body     json.RawMessage `json:"body,omitempty"`
	} `json:"post"`
}

type TransactionData struct {
	From                 string      `json:"from"`
	To                   string      `json:"to"`
	Data                 string      `json:"data"`
	Value                string      `json:"value"`
	ChainID              uint64      `json:"chainId"`
	Gas                  json.Number `json:"gas,omitempty"`
	MaxFeePerGas         string      `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string      `json:"maxPriorityFeePerGas,omitempty"`
}

type Fee struct {
	Currency        Currency `json:"currency"`
	Amount          string   `json:"amount"`
	AmountFormatted string   `json:"amountFormatted"`
	AmountUSD       string   `json:"amountUsd"`
}

type Fees struct {
	Gas            Fee `json:"gas"`
	Relayer        Fee `json:"relayer"`
	RelayerGas     Fee `json:"relayerGas"`
	RelayerService Fee `json:"relayerService"`
	App            Fee `json:"app"`
}

type StatusResponse struct {
	Status     string   `json:"status"`
	Details    string   `json:"details,omitempty"`
	InTxHashes []string `json:"inTxHashes,omitempty"`
	TxHashes   []string `json:"txHashes,omitempty"`
	UpdatedAt  int64    `json:"updatedAt,omitempty"`
}
