package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastLoop() *Loop {
	return NewLoop(zerolog.Nop(), LoopConfig{
		Interval:    2 * time.Millisecond,
		IdleDelay:   time.Millisecond,
		RetryDelay:  2 * time.Millisecond,
		StopTimeout: 200 * time.Millisecond,
	})
}

func TestLoopPullsRepeatedly(t *testing.T) {
	l := fastLoop()

	var pulls atomic.Int64
	require.True(t, l.Start(context.Background(), func(ctx context.Context) (bool, error) {
		pulls.Add(1)
		return true, nil
	}))

	assert.Eventually(t, func() bool { return pulls.Load() >= 5 },
		time.Second, 5*time.Millisecond)
	require.NoError(t, l.Stop(context.Background()))
	assert.False(t, l.Running())
}

func TestLoopStartIsNoOpWhileRunning(t *testing.T) {
	l := fastLoop()

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	var once atomic.Bool
	pull := func(ctx context.Context) (bool, error) {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-block:
			return true, nil
		}
	}

	require.True(t, l.Start(context.Background(), pull))
	<-started
	assert.False(t, l.Start(context.Background(), pull))

	require.NoError(t, l.Stop(context.Background()))
}

func TestLoopExitsWhenSessionStops(t *testing.T) {
	l := fastLoop()

	var pulls atomic.Int64
	require.True(t, l.Start(context.Background(), func(ctx context.Context) (bool, error) {
		if pulls.Add(1) >= 3 {
			return false, ErrNotCapturing
		}
		return true, nil
	}))

	assert.Eventually(t, func() bool { return !l.Running() },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), pulls.Load())

	// a stopped loop can be started again
	assert.True(t, l.Start(context.Background(), func(ctx context.Context) (bool, error) {
		return false, ErrNotCapturing
	}))
	require.NoError(t, l.Stop(context.Background()))
}

func TestLoopRetriesAfterTransientError(t *testing.T) {
	l := fastLoop()

	var pulls atomic.Int64
	require.True(t, l.Start(context.Background(), func(ctx context.Context) (bool, error) {
		n := pulls.Add(1)
		if n%2 == 1 {
			return false, errors.New("transient read failure")
		}
		return true, nil
	}))

	assert.Eventually(t, func() bool { return pulls.Load() >= 6 },
		time.Second, 5*time.Millisecond)
	assert.True(t, l.Running())
	require.NoError(t, l.Stop(context.Background()))
}

func TestLoopKeepsPollingWhileIdle(t *testing.T) {
	l := fastLoop()

	var pulls atomic.Int64
	require.True(t, l.Start(context.Background(), func(ctx context.Context) (bool, error) {
		return pulls.Add(1) > 3, nil
	}))

	assert.Eventually(t, func() bool { return pulls.Load() >= 6 },
		time.Second, 5*time.Millisecond)
	require.NoError(t, l.Stop(context.Background()))
}

func TestLoopStopWhenNeverStarted(t *testing.T) {
	l := fastLoop()
	assert.NoError(t, l.Stop(context.Background()))
}

func TestLoopStopTimesOutOnStuckPull(t *testing.T) {
	l := NewLoop(zerolog.Nop(), LoopConfig{
		Interval:    time.Millisecond,
		StopTimeout: 30 * time.Millisecond,
	})

	stuck := make(chan struct{})
	entered := make(chan struct{})
	var once atomic.Bool
	require.True(t, l.Start(context.Background(), func(ctx context.Context) (bool, error) {
		if once.CompareAndSwap(false, true) {
			close(entered)
		}
		<-stuck // ignores ctx
		return true, nil
	}))
	<-entered

	err := l.Stop(context.Background())
	assert.Error(t, err)

	close(stuck)
}

func TestLoopCanceledByParentContext(t *testing.T) {
	l := fastLoop()

	ctx, cancel := context.WithCancel(context.Background())
	var pulls atomic.Int64
	require.True(t, l.Start(ctx, func(ctx context.Context) (bool, error) {
		pulls.Add(1)
		return true, nil
	}))

	assert.Eventually(t, func() bool { return pulls.Load() >= 1 },
		time.Second, 5*time.Millisecond)
	cancel()

	assert.Eventually(t, func() bool { return !l.Running() },
		time.Second, 5*time.Millisecond)
}
