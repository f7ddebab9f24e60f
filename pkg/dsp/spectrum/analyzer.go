package spectrum

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/window"
	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// NumBands is the number of log-spaced output bands per frame.
	NumBands = 32

	// BandMax bounds every band value; bands range [0, BandMax].
	BandMax = 10.0

	// DefaultSmoothing is the weight given to the previous frame when
	// blending in a new one.
	DefaultSmoothing = 0.7

	// minFreq anchors the low edge of the band layout. Content below it
	// lands in the first band.
	minFreq = 20.0

	// dB mapping: magnitudes are floored at magFloor before the log so
	// silence maps to a finite -100 dB, then shifted by dbFloor and
	// scaled so that 8 dB spans one unit of band value.
	magFloor   = 1e-5
	dbFloor    = -80.0
	dbPerUnit  = 8.0
)

// Analyzer turns windows of mono samples into NumBands smoothed,
// log-spaced band magnitudes. Band edges are fixed at construction from
// the sample rate. Analyzer does no locking; callers serialize access.
type Analyzer struct {
	sampleRate int
	fft        *fourier.FFT
	win        []float64
	edges      []float64 // NumBands+1 ascending Hz
	binLo      [NumBands]int
	binHi      [NumBands]int

	frame  []float64
	coeffs []complex128
	mags   []float64

	smoothing float64
	smoothed  [NumBands]float64
	frames    uint64
}

// NewAnalyzer builds an analyzer for the given sample rate. The rate
// must leave room for at least one octave above minFreq.
func NewAnalyzer(sampleRate int) (*Analyzer, error) {
	nyquist := float64(sampleRate) / 2
	if nyquist <= minFreq*2 {
		return nil, fmt.Errorf("sample rate %d too low for band layout", sampleRate)
	}

	a := &Analyzer{
		sampleRate: sampleRate,
		fft:        fourier.NewFFT(WindowSize),
		win:        window.Hann(WindowSize),
		frame:      make([]float64, WindowSize),
		coeffs:     make([]complex128, WindowSize/2+1),
		mags:       make([]float64, WindowSize/2+1),
		smoothing:  DefaultSmoothing,
	}

	a.edges = make([]float64, NumBands+1)
	ratio := nyquist / minFreq
	for i := 0; i <= NumBands; i++ {
		a.edges[i] = minFreq * math.Pow(ratio, float64(i)/NumBands)
	}
	a.assignBins()

	return a, nil
}

// assignBins maps each band to a half-open FFT bin range. Narrow bands
// at the low end are widened to cover at least one bin so every band
// always has a defined magnitude.
func (a *Analyzer) assignBins() {
	binWidth := float64(a.sampleRate) / WindowSize
	numBins := len(a.mags)

	for k := 0; k < NumBands; k++ {
		lo := int(math.Ceil(a.edges[k] / binWidth))
		hi := int(math.Ceil(a.edges[k+1] / binWidth))
		if lo >= numBins {
			lo = numBins - 1
		}
		if hi <= lo {
			hi = lo + 1
		}
		if hi > numBins {
			hi = numBins
		}
		a.binLo[k] = lo
		a.binHi[k] = hi
	}
}

// SetSmoothing overrides the blend weight. Values outside (0, 1) are
// ignored.
func (a *Analyzer) SetSmoothing(alpha float64) {
	if alpha > 0 && alpha < 1 {
		a.smoothing = alpha
	}
}

// SampleRate returns the rate the band layout was built for.
func (a *Analyzer) SampleRate() int {
	return a.sampleRate
}

// Edges returns the NumBands+1 band edge frequencies in Hz.
func (a *Analyzer) Edges() []float64 {
	out := make([]float64, len(a.edges))
	copy(out, a.edges)
	return out
}

// Centers returns the geometric center frequency of each band.
func (a *Analyzer) Centers() []float64 {
	out := make([]float64, NumBands)
	for k := 0; k < NumBands; k++ {
		out[k] = math.Sqrt(a.edges[k] * a.edges[k+1])
	}
	return out
}

// Process analyzes one full window of samples and folds the result into
// the smoothed band state. Slices shorter than WindowSize are zero
// padded; longer ones use only the first WindowSize samples.
func (a *Analyzer) Process(samples []float64) {
	for i := 0; i < WindowSize; i++ {
		if i < len(samples) {
			a.frame[i] = samples[i] * a.win[i]
		} else {
			a.frame[i] = 0
		}
	}

	a.fft.Coefficients(a.coeffs, a.frame)
	for i, c := range a.coeffs {
		a.mags[i] = cmplx.Abs(c) * 2 / WindowSize
	}

	for k := 0; k < NumBands; k++ {
		sum := 0.0
		for i := a.binLo[k]; i < a.binHi[k]; i++ {
			sum += a.mags[i]
		}
		avg := sum / float64(a.binHi[k]-a.binLo[k])

		db := 20 * math.Log10(math.Max(avg, magFloor))
		v := (db - dbFloor) / dbPerUnit
		if v < 0 {
			v = 0
		}
		if v > BandMax {
			v = BandMax
		}

		a.smoothed[k] = a.smoothed[k]*a.smoothing + v*(1-a.smoothing)
	}
	a.frames++
}

// Bands copies the smoothed band values into dst, which must hold
// NumBands entries. It returns false until at least one frame has been
// processed since the last reset.
func (a *Analyzer) Bands(dst []float64) bool {
	copy(dst, a.smoothed[:])
	return a.frames > 0
}

// Frames reports the number of windows processed since the last reset.
func (a *Analyzer) Frames() uint64 {
	return a.frames
}

// Reset clears the smoothed state so a fresh capture starts from zero.
func (a *Analyzer) Reset() {
	a.smoothed = [NumBands]float64{}
	a.frames = 0
}
