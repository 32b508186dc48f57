package resilience

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2, Jitter: 0}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, Jitter: 0}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return fmt.Errorf("always fails")
	})

	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := DefaultRetryConfig()
	attempts := 0
	err := Retry(ctx, cfg, func() error {
		attempts++
		return fmt.Errorf("fails")
	})

	require.Error(t, err)
	require.LessOrEqual(t, attempts, 1)
}

func TestLimiterWaitBlocksUntilTokenAvailable(t *testing.T) {
	l := NewLimiter(1000, 1)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	require.Greater(t, time.Since(start), time.Duration(0))
}

func TestNilLimiterWaitIsNoop(t *testing.T) {
	var l *Limiter
	require.NoError(t, l.Wait(context.Background()))
}
