package record

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.wav")

	r, err := New(path, 8000)
	require.NoError(t, err)

	chunk := make([]float64, 800)
	for i := range chunk {
		chunk[i] = 0.5 * math.Sin(2*math.Pi*440*float64(i)/8000)
	}
	for i := 0; i < 4; i++ {
		r.Write(chunk)
	}

	assert.Equal(t, 3200, r.Frames())
	assert.Equal(t, 400*time.Millisecond, r.Duration())
	require.NoError(t, r.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)

	assert.Equal(t, 8000, buf.Format.SampleRate)
	assert.Equal(t, 1, buf.Format.NumChannels)
	require.Len(t, buf.Data, 3200)

	// spot-check amplitude survived encoding
	maxVal := 0
	for _, v := range buf.Data {
		if v > maxVal {
			maxVal = v
		}
	}
	assert.InDelta(t, 0.5*32767, float64(maxVal), 400)
}

func TestRecorderClipsOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")

	r, err := New(path, 8000)
	require.NoError(t, err)
	r.Write([]float64{2.5, -2.5, 0})
	require.NoError(t, r.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	buf, err := wav.NewDecoder(f).FullPCMBuffer()
	require.NoError(t, err)
	require.Len(t, buf.Data, 3)
	assert.Equal(t, 32767, buf.Data[0])
	assert.Equal(t, -32767, buf.Data[1])
	assert.Equal(t, 0, buf.Data[2])
}

func TestRecorderWriteAfterCloseDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.wav")

	r, err := New(path, 8000)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r.Write([]float64{0.1, 0.2})
	assert.Equal(t, 0, r.Frames())
	assert.NoError(t, r.Close(), "double close is a no-op")
}

func TestRecorderRejectsBadRate(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "x.wav"), 0)
	assert.Error(t, err)
}
