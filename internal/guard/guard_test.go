package guard

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRejectsDuplicate(t *testing.T) {
	var g Guard
	key := Key{User: "0xAbC", Token: "0xUSDC", Action: "initiate_withdrawal"}

	release, err := g.Acquire(key)
	require.NoError(t, err)

	_, err = g.Acquire(Key{User: "0xabc", Token: "0xusdc", Action: "initiate_withdrawal"})
	require.ErrorIs(t, err, ErrInFlight)

	release()
	release()
	assert.False(t, g.Busy(key))

	release2, err := g.Acquire(key)
	require.NoError(t, err)
	release2()
}

func TestDifferentActionsDoNotConflict(t *testing.T) {
	var g Guard
	r1, err := g.Acquire(Key{User: "u", Token: "t", Action: "deposit"})
	require.NoError(t, err)
	defer r1()

	r2, err := g.Acquire(Key{User: "u", Token: "t", Action: "cancel_withdrawal"})
	require.NoError(t, err)
	defer r2()
}

func TestConcurrentAcquireOnlyOneWins(t *testing.T) {
	var g Guard
	key := Key{User: "u", Token: "t", Action: "deposit"}

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := g.Acquire(key); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}
