// Package wallet holds the account's signing key and submits signatures and
// transactions on any configured chain.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrUserRejected   = errors.New("request rejected by user")
	ErrUnknownChain   = errors.New("no rpc configured for chain")
	ErrSignerRequired = errors.New("private key is required")
)

// Signer is the single shared signing identity of the account. Submissions go
// through Exclusive so only one transaction is outstanding at a time.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address

	// sem serializes submissions; a channel so waiting honours ctx.
	sem chan struct{}

	clientsMu sync.Mutex
	rpcURLs   map[uint64]string
	clients   map[uint64]*ethclient.Client
}

// NewSigner parses a hex private key (with or without 0x) and remembers the
// RPC endpoint of each chain the account may transact on.
func NewSigner(privateKeyHex string, rpcURLs map[uint64]string) (*Signer, error) {
	if strings.TrimSpace(privateKeyHex) == "" {
		return nil, ErrSignerRequired
	}
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	urls := make(map[uint64]string, len(rpcURLs))
	for id, u := range rpcURLs {
		if u != "" {
			urls[id] = u
		}
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		sem:     make(chan struct{}, 1),
		rpcURLs: urls,
		clients: make(map[uint64]*ethclient.Client),
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (s *Signer) Address() common.Address { return s.address }

// Exclusive runs fn while holding the submission slot.
func (s *Signer) Exclusive(ctx context.Context, fn func() error) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()
	return fn()
}

// TransactOpts returns keyed transact options for chainID. Gas and nonce are
// left for the node to fill in.
func (s *Signer) TransactOpts(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// SignMessage produces an EIP-191 personal_sign signature over message.
func (s *Signer) SignMessage(_ context.Context, message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignTypedData produces an EIP-712 signature.
func (s *Signer) SignTypedData(_ context.Context, data apitypes.TypedData) ([]byte, error) {
	if data.Types == nil {
		data.Types = apitypes.Types{}
	}
	if _, ok := data.Types["EIP712Domain"]; !ok {
		data.Types["EIP712Domain"] = domainType(data.Domain)
	}
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// domainType lists the EIP712Domain fields present in d, in canonical order.
func domainType(d apitypes.TypedDataDomain) []apitypes.Type {
	var out []apitypes.Type
	if d.Name != "" {
		out = append(out, apitypes.Type{Name: "name", Type: "string"})
	}
	if d.Version != "" {
		out = append(out, apitypes.Type{Name: "version", Type: "string"})
	}
	if d.ChainId != nil {
		out = append(out, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if d.VerifyingContract != "" {
		out = append(out, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	if d.Salt != "" {
		out = append(out, apitypes.Type{Name: "salt", Type: "bytes32"})
	}
	return out
}

// Client returns a cached RPC client for chainID.
func (s *Signer) Client(ctx context.Context, chainID uint64) (*ethclient.Client, error) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	if c, ok := s.clients[chainID]; ok {
		return c, nil
	}
	url, ok := s.rpcURLs[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc for chain %d: %w", chainID, err)
	}
	s.clients[chainID] = c
	return c, nil
}

// Close releases every dialed RPC client.
func (s *Signer) Close() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for id, c := range s.clients {
		c.Close()
		delete(s.clients, id)
	}
}

// IsUserRejection reports whether err came from the user declining a signature
// or transaction prompt.
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUserRejected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rejected") || strings.Contains(msg, "denied")
}
