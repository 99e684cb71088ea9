// Package guard rejects duplicate concurrent actions for the same user and token.
package guard

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrInFlight is returned when the same action is already running.
var ErrInFlight = errors.New("action already in progress")

// Key identifies one mutating action on one escrow position.
type Key struct {
	User   string
	Token  string
	Action string
}

func (k Key) String() string {
	return strings.ToLower(k.User) + ":" + strings.ToLower(k.Token) + ":" + k.Action
}

// Guard is a single-flight registry. The zero value is ready to use.
type Guard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Acquire marks key as running. The returned release must be called when the
// action finishes; a second Acquire for the same key fails until then.
func (g *Guard) Acquire(key Key) (func(), error) {
	id := key.String()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight == nil {
		g.inFlight = make(map[string]struct{})
	}
	if _, busy := g.inFlight[id]; busy {
		return nil, fmt.Errorf("%w: %s", ErrInFlight, key.Action)
	}
	g.inFlight[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inFlight, id)
			g.mu.Unlock()
		})
	}, nil
}

// Busy reports whether key is currently held.
func (g *Guard) Busy(key Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inFlight[key.String()]
	return ok
}
