package cam

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/devcheck/pkg/capture"
	"github.com/probelab/devcheck/pkg/capture/driver"
)

func newTestCheck(t *testing.T) (*Check, *fakeFrameSource) {
	t.Helper()
	src := &fakeFrameSource{}
	c := NewCheck(CheckConfig{
		OpenSource: func(ctx context.Context, deviceID string) (driver.FrameSource, error) {
			return src, nil
		},
		ListDevices: func(ctx context.Context) ([]capture.DeviceInfo, error) {
			return []capture.DeviceInfo{{ID: "cam0", Label: "Fake Camera", Default: true}}, nil
		},
		Loop: capture.LoopConfig{
			Interval:    2 * time.Millisecond,
			IdleDelay:   time.Millisecond,
			RetryDelay:  2 * time.Millisecond,
			StopTimeout: 200 * time.Millisecond,
		},
	}, zerolog.Nop(), nil)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c, src
}

func TestCheckDeliversFreshFrames(t *testing.T) {
	c, _ := newTestCheck(t)

	var mu sync.Mutex
	var seqs []uint64
	c.Subscribe(func(snap FrameSnapshot) {
		mu.Lock()
		seqs = append(seqs, snap.Seq)
		mu.Unlock()
	})

	require.NoError(t, c.Select(context.Background(), "cam0"))
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) >= 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1], "subscriber must never see a frame twice")
	}
}

func TestCheckStopIsIdempotent(t *testing.T) {
	c, _ := newTestCheck(t)

	require.NoError(t, c.Select(context.Background(), "cam0"))
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()), "stop on a stopped check succeeds")
	assert.Equal(t, "ready", c.Status().State)
}

func TestCheckRapidToggleLeavesOneOutcome(t *testing.T) {
	c, src := newTestCheck(t)

	require.NoError(t, c.Select(context.Background(), "cam0"))

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Start(context.Background()))
		require.NoError(t, c.Stop(context.Background()))
	}

	st := c.Status()
	assert.Equal(t, "ready", st.State)
	assert.Eventually(t, func() bool { return !c.Status().LoopRunning },
		time.Second, 5*time.Millisecond)

	src.mu.Lock()
	assert.Equal(t, src.starts, src.stops, "every stream start has a matching stop")
	src.mu.Unlock()
}

func TestCheckLatestWithoutDevice(t *testing.T) {
	c, _ := newTestCheck(t)
	_, ok := c.Latest()
	assert.False(t, ok)
}

func TestCheckCloseRefusesFurtherCommands(t *testing.T) {
	c, src := newTestCheck(t)

	require.NoError(t, c.Select(context.Background(), "cam0"))
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	assert.ErrorIs(t, c.Start(context.Background()), capture.ErrCoordinatorClosed)

	opens, closes := src.counts()
	assert.Equal(t, opens, closes, "close must release the handle")
}
