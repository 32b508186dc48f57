package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitBoundsConcurrency(t *testing.T) {
	pool := New(Config{MaxWorkers: 2, DrainTimeout: time.Second}, nil)

	var concurrent int32
	var maxSeen int32
	release := make(chan struct{})

	// Submit blocks while both permits are held, so the producer runs in
	// its own goroutine until release lets the first tasks finish.
	submitErr := make(chan error, 1)
	go func() {
		for i := 0; i < 5; i++ {
			err := pool.Submit(context.Background(), fmt.Sprintf("task-%d", i), func(ctx context.Context) error {
				n := atomic.AddInt32(&concurrent, 1)
				for {
					old := atomic.LoadInt32(&maxSeen)
					if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
						break
					}
				}
				<-release
				atomic.AddInt32(&concurrent, -1)
				return nil
			})
			if err != nil {
				submitErr <- err
				return
			}
		}
		submitErr <- nil
	}()

	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
	close(release)
	require.NoError(t, <-submitErr)
	require.NoError(t, pool.Close())
}

func TestSubmitRecordsTaskErrors(t *testing.T) {
	pool := New(Config{MaxWorkers: 2, DrainTimeout: time.Second}, nil)

	require.NoError(t, pool.Submit(context.Background(), "bad", func(ctx context.Context) error {
		return fmt.Errorf("boom")
	}))
	require.NoError(t, pool.Close())

	errs := pool.Errors()
	require.Len(t, errs, 1)
	require.Equal(t, "bad", errs[0].Label)
}

func TestSubmitRecoversPanic(t *testing.T) {
	pool := New(Config{MaxWorkers: 1, DrainTimeout: time.Second}, nil)

	require.NoError(t, pool.Submit(context.Background(), "panics", func(ctx context.Context) error {
		panic("boom")
	}))
	require.NoError(t, pool.Close())

	require.Len(t, pool.Errors(), 1)
}

func TestCloseTimesOutOnSlowTask(t *testing.T) {
	pool := New(Config{MaxWorkers: 1, DrainTimeout: 10 * time.Millisecond}, nil)

	require.NoError(t, pool.Submit(context.Background(), "slow", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	}))

	err := pool.Close()
	require.Error(t, err)
}

func TestSubmitRespectsCancelledContext(t *testing.T) {
	pool := New(Config{MaxWorkers: 1, DrainTimeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Fill the only slot so the cancelled Submit blocks on backpressure/acquire.
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "filler", func(ctx context.Context) error {
		<-block
		return nil
	}))

	err := pool.Submit(ctx, "cancelled", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	close(block)
	require.NoError(t, pool.Close())
}
