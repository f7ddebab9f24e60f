package spectrum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingFillsBeforeSnapshot(t *testing.T) {
	var r Ring
	dst := make([]float64, WindowSize)

	r.Write(make([]float64, WindowSize-1))
	assert.False(t, r.Filled())
	assert.False(t, r.Snapshot(dst))

	r.Write([]float64{1})
	assert.True(t, r.Filled())
	assert.True(t, r.Snapshot(dst))
}

func TestRingSnapshotOrder(t *testing.T) {
	var r Ring

	samples := make([]float64, WindowSize+100)
	for i := range samples {
		samples[i] = float64(i)
	}
	r.Write(samples[:600])
	r.Write(samples[600:])

	dst := make([]float64, WindowSize)
	require.True(t, r.Snapshot(dst))

	// oldest surviving sample is index 100
	assert.Equal(t, float64(100), dst[0])
	assert.Equal(t, float64(WindowSize+99), dst[WindowSize-1])
	for i := 1; i < WindowSize; i++ {
		assert.Equal(t, dst[i-1]+1, dst[i])
	}
}

func TestRingOversizedWrite(t *testing.T) {
	var r Ring

	samples := make([]float64, 3*WindowSize)
	for i := range samples {
		samples[i] = float64(i)
	}
	r.Write(samples)

	assert.Equal(t, uint64(3*WindowSize), r.Total())

	dst := make([]float64, WindowSize)
	require.True(t, r.Snapshot(dst))
	assert.Equal(t, float64(2*WindowSize), dst[0])
	assert.Equal(t, float64(3*WindowSize-1), dst[WindowSize-1])
}

func TestRingReset(t *testing.T) {
	var r Ring
	r.Write(make([]float64, 2*WindowSize))

	r.Reset()
	assert.Equal(t, uint64(0), r.Total())
	assert.False(t, r.Snapshot(make([]float64, WindowSize)))

	r.Write(make([]float64, WindowSize))
	dst := make([]float64, WindowSize)
	require.True(t, r.Snapshot(dst))
	assert.Equal(t, float64(0), dst[0])
}
