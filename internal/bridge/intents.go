package bridge

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrIntentNotFound = errors.New("bridge intent not found")

type IntentStatus string

const (
	IntentPending IntentStatus = "pending"
	IntentSuccess IntentStatus = "success"
	IntentFailed  IntentStatus = "failed"
)

// Intent is an accepted quote being executed in the background.
type Intent struct {
	ID        string       `json:"id"`
	RequestID string       `json:"requestId,omitempty"`
	Request   QuoteRequest `json:"request"`
	Status    IntentStatus `json:"status"`
	Progress  []Progress   `json:"progress"`
	TxHashes  []string     `json:"txHashes,omitempty"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Terminal reports whether the intent reached success or failed.
func (i Intent) Terminal() bool { return i.Status != IntentPending }

// Tracker runs intents and keeps their state in memory. State is lost on restart.
type Tracker struct {
	orch     *Orchestrator
	base     context.Context
	onFinish func(Intent, error)

	mu      sync.RWMutex
	intents map[string]*Intent
	wg      sync.WaitGroup
}

// NewTracker runs intents under base, so they outlive the request that started
// them. onFinish is called once per intent after it reaches a terminal state.
func NewTracker(base context.Context, orch *Orchestrator, onFinish func(Intent, error)) *Tracker {
	return &Tracker{
		orch:     orch,
		base:     base,
		onFinish: onFinish,
		intents:  make(map[string]*Intent),
	}
}

// Start registers a pending intent for q and executes it in the background.
// done, if not nil, runs after the tracker-wide onFinish.
func (t *Tracker) Start(req QuoteRequest, q Quote, done func(Intent, error)) Intent {
	now := time.Now().UTC()
	in := &Intent{
		ID:        uuid.NewString(),
		RequestID: q.RequestID(),
		Request:   req,
		Status:    IntentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	t.mu.Lock()
	t.intents[in.ID] = in
	snapshot := in.clone()
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		final, err := t.run(in.ID, q)
		if done != nil {
			done(final, err)
		}
	}()
	return snapshot
}

func (t *Tracker) run(id string, q Quote) (Intent, error) {
	res, err := t.orch.Execute(t.base, q, func(p Progress) {
		t.update(id, func(in *Intent) { in.Progress = append(in.Progress, p) })
	})

	var final Intent
	t.update(id, func(in *Intent) {
		in.TxHashes = res.TxHashes
		if err != nil {
			in.Status = IntentFailed
			in.Error = err.Error()
		} else {
			in.Status = IntentSuccess
		}
		final = in.clone()
	})
	if t.onFinish != nil {
		t.onFinish(final, err)
	}
	return final, err
}

func (t *Tracker) update(id string, fn func(*Intent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if in, ok := t.intents[id]; ok {
		fn(in)
		in.UpdatedAt = time.Now().UTC()
	}
}

func (t *Tracker) Get(id string) (Intent, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	in, ok := t.intents[id]
	if !ok {
		return Intent{}, ErrIntentNotFound
	}
	return in.clone(), nil
}

// List returns all intents, newest first.
func (t *Tracker) List() []Intent {
	t.mu.RLock()
	out := make([]Intent, 0, len(t.intents))
	for _, in := range t.intents {
		out = append(out, in.clone())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Wait blocks until every started intent has finished.
func (t *Tracker) Wait() { t.wg.Wait() }

func (i *Intent) clone() Intent {
	out := *i
	out.Progress = append([]Progress(nil), i.Progress...)
	out.TxHashes = append([]string(nil), i.TxHashes...)
	return out
}
