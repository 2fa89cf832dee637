package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinglePermitMutualExclusion(t *testing.T) {
	g := New(1)

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, err := g.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer permit.Release()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, Stats{Permits: 1}, g.Stats())
}

func TestFIFOOrder(t *testing.T) {
	g := New(1)

	first, err := g.Acquire(context.Background())
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p, err := g.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			p.Release()
		}(i)

		// Wait until goroutine n is queued before starting the next one.
		require.Eventually(t, func() bool { return g.Stats().Waiting == i+1 }, time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}

	first.Release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestMultiplePermits(t *testing.T) {
	g := New(3)

	var permits []*Permit
	for i := 0; i < 3; i++ {
		p := g.TryAcquire()
		require.NotNil(t, p)
		permits = append(permits, p)
	}
	assert.Nil(t, g.TryAcquire())
	assert.Equal(t, 3, g.Stats().InUse)

	permits[0].Release()
	assert.NotNil(t, g.TryAcquire())
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := New(1)

	p, err := g.Acquire(context.Background())
	require.NoError(t, err)

	p.Release()
	p.Release()

	assert.Equal(t, 0, g.Stats().InUse)

	// A double release must not have freed a second slot.
	a := g.TryAcquire()
	require.NotNil(t, a)
	assert.Nil(t, g.TryAcquire())

	var nilPermit *Permit
	assert.NotPanics(t, nilPermit.Release)
}

func TestAcquireHonoursContextWhileQueued(t *testing.T) {
	g := New(1)
	held := g.TryAcquire()
	require.NotNil(t, held)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, g.Stats().Waiting)

	held.Release()
	assert.NotNil(t, g.TryAcquire())
}

func TestTryAcquireDoesNotJumpTheQueue(t *testing.T) {
	g := New(1)

	held, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.Nil(t, g.TryAcquire())

	queued := make(chan *Permit)
	go func() {
		p, err := g.Acquire(context.Background())
		assert.NoError(t, err)
		queued <- p
	}()
	require.Eventually(t, func() bool { return g.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	held.Release()
	next := <-queued
	assert.Nil(t, g.TryAcquire(), "the queued waiter owns the freed permit")

	next.Release()
	p := g.TryAcquire()
	require.NotNil(t, p)
	p.Release()
	assert.Equal(t, Stats{Permits: 1}, g.Stats())
}

func TestNewDefaultsToOnePermit(t *testing.T) {
	assert.Equal(t, 1, New(0).Stats().Permits)
	assert.Equal(t, 1, New(-4).Stats().Permits)
}
