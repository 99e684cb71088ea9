// Package ledger keeps the session's transaction history in memory. It is a
// display aid, not a source of truth: balances always come from the chain.
package ledger

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("ledger entry not found")

type Type string

const (
	TypeDeposit  Type = "deposit"
	TypeWithdraw Type = "withdraw"
	TypeSpend    Type = "spend"
	TypeFunding  Type = "funding"
	TypeBridge   Type = "bridge"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Counterparties used in From/To.
const (
	External = "External"
	Wallet   = "Wallet"
	Escrow   = "Escrow"
)

type Entry struct {
	ID       string          `json:"id"`
	Type     Type            `json:"type"`
	Amount   decimal.Decimal `json:"amount"`
	Status   Status          `json:"status"`
	Date     time.Time       `json:"date"`
	Network  string          `json:"network"`
	Merchant string          `json:"merchant,omitempty"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	TxHash   string          `json:"txHash,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type Ledger struct {
	mu      sync.RWMutex
	entries []*Entry // newest first
	now     func() time.Time
}

func New() *Ledger {
	return &Ledger{now: time.Now}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Record adds e as a pending entry and returns it with its id and date set.
func (l *Ledger) Record(e Entry) Entry {
	e.ID = uuid.NewString()
	e.Status = StatusPending
	if e.Date.IsZero() {
		e.Date = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append([]*Entry{&e}, l.entries...)
	return e
}

// Complete marks id as completed with the transaction hash that settled it.
func (l *Ledger) Complete(id, txHash string) (Entry, error) {
	return l.set(id, func(e *Entry) {
		e.Status = StatusCompleted
		if txHash != "" {
			e.TxHash = txHash
		}
	})
}

// Submitted attaches the hash of a broadcast transaction to a pending entry.
func (l *Ledger) Submitted(id, txHash string) (Entry, error) {
	return l.set(id, func(e *Entry) {
		e.TxHash = txHash
	})
}

func (l *Ledger) Fail(id string, cause error) (Entry, error) {
	return l.set(id, func(e *Entry) {
		e.Status = StatusFailed
		if cause != nil {
			e.Error = cause.Error()
		}
	})
}

func (l *Ledger) set(id string, fn func(*Entry)) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.ID == id {
			fn(e)
			return *e, nil
		}
	}
	return Entry{}, ErrNotFound
}

func (l *Ledger) Get(id string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.ID == id {
			return *e, nil
		}
	}
	return Entry{}, ErrNotFound
}

// List returns every entry, newest first.
func (l *Ledger) List() []Entry { return l.Recent(0) }

// Recent returns at most n entries, newest first. n <= 0 means all.
func (l *Ledger) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = *l.entries[i]
	}
	return out
}

// Filter returns entries matching typ (any when empty) and whose merchant,
// counterparty, network or tx hash contains query, case-insensitively.
func (l *Ledger) Filter(typ Type, query string) []Entry {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []Entry
	for _, e := range l.List() {
		if typ != "" && e.Type != typ {
			continue
		}
		if q != "" && !matches(e, q) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func matches(e Entry, q string) bool {
	for _, f := range []string{e.Merchant, e.From, e.To, e.Network, e.TxHash} {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}
