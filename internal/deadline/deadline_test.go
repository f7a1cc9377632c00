package deadline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/duo-routine/internal/apperror"
)

func TestRun_ReturnsResult(t *testing.T) {
	got, err := Run(context.Background(), time.Second, "fast", func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestRun_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Run(context.Background(), time.Second, "failing", func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
}

// A callee that ignores its context must not hold the caller past the bound.
func TestRun_TimesOutWhenCalleeIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Run(context.Background(), 30*time.Millisecond, "hang", func(context.Context) (int, error) {
		<-release
		return 1, nil
	})

	assert.ErrorIs(t, err, apperror.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

// A call that has finished is reported as finished, never as cancelled,
// however the result and the context race.
func TestRun_FinishedCallIsNeverReportedCancelled(t *testing.T) {
	for i := 0; i < 2000; i++ {
		got, err := Run(context.Background(), time.Second, "instant", func(context.Context) (int, error) {
			return i, nil
		})
		require.NoError(t, err, "iteration %d", i)
		require.Equal(t, i, got)
	}
}

// The callee's context stays live for as long as the callee runs within the
// bound.
func TestRun_ContextLiveWhileCalleeRuns(t *testing.T) {
	_, err := Run(context.Background(), time.Second, "checks ctx", func(ctx context.Context) (struct{}, error) {
		time.Sleep(5 * time.Millisecond)
		return struct{}{}, ctx.Err()
	})
	assert.NoError(t, err)
}

func TestRun_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, time.Second, "cancelled", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_ZeroDurationIsUnbounded(t *testing.T) {
	got, err := Run(context.Background(), 0, "unbounded", func(context.Context) (bool, error) {
		time.Sleep(5 * time.Millisecond)
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, got)
}
