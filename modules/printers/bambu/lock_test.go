package bambu

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFifoLockHandoffOrder(t *testing.T) {
	var l fifoLock
	require.NoError(t, l.Lock(t.Context()))

	const waiters = 10
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if !assert.NoError(t, l.Lock(context.Background())) {
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			l.Unlock()
		}(i)
		// Give each goroutine time to enqueue so arrival order is known.
		time.Sleep(10 * time.Millisecond)
	}

	l.Unlock()
	wg.Wait()

	for i := 0; i < waiters; i++ {
		assert.Equal(t, i, order[i])
	}
}

func TestFifoLockCancelWhileQueued(t *testing.T) {
	var l fifoLock
	require.NoError(t, l.Lock(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Lock(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// The canceled waiter must not have consumed the handoff.
	l.Unlock()
	require.NoError(t, l.Lock(t.Context()))
	l.Unlock()
}

func TestFifoLockUncontended(t *testing.T) {
	var l fifoLock
	require.NoError(t, l.Lock(t.Context()))
	l.Unlock()
	require.NoError(t, l.Lock(t.Context()))
	l.Unlock()
}
