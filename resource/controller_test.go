package resource

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilControllerIsUnlimited(t *testing.T) {
	var c *Controller
	require.NoError(t, c.AcquireWorker(context.Background()))
	c.ReleaseWorker()
	require.NoError(t, c.WaitAPI(context.Background()))
}

func TestWorkerSlotsBoundConcurrency(t *testing.T) {
	c := NewController(Config{MaxSortWorkers: 2})
	ctx := context.Background()

	var inFlight, maxSeen atomic.Int64
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			require.NoError(t, c.AcquireWorker(ctx))
			n := inFlight.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			c.ReleaseWorker()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.LessOrEqual(t, maxSeen.Load(), int64(2))
}

func TestAcquireWorkerHonorsContext(t *testing.T) {
	c := NewController(Config{MaxSortWorkers: 1})
	ctx := context.Background()
	require.NoError(t, c.AcquireWorker(ctx))

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireWorker(cctx))

	c.ReleaseWorker()
}
