// Package level measures input loudness for the microphone check.
package level

import "math"

// Meter tracks an exponentially weighted RMS level and a decaying peak.
// Callers serialize access.
type Meter struct {
	alpha   float64
	beta    float64
	average float64 // running mean square
	peak    float64
}

// peakDecay pulls the held peak down a little every chunk so a spike
// does not pin the meter forever.
const peakDecay = 0.995

func NewMeter(alpha float64) *Meter {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.05
	}
	return &Meter{alpha: alpha, beta: 1 - alpha}
}

// Feed folds a chunk of samples into the running level.
func (m *Meter) Feed(samples []float64) {
	for _, v := range samples {
		magSquared := v * v
		m.average = m.beta*m.average + m.alpha*magSquared
		abs := math.Abs(v)
		if abs > m.peak {
			m.peak = abs
		}
	}
	m.peak *= peakDecay
}

// RMS returns the current root-mean-square level in [0, 1].
func (m *Meter) RMS() float64 {
	return math.Sqrt(m.average)
}

// Peak returns the decaying peak level in [0, 1].
func (m *Meter) Peak() float64 {
	return m.peak
}

// DB converts the RMS level to dBFS, floored at -100.
func (m *Meter) DB() float64 {
	rms := m.RMS()
	if rms < 1e-5 {
		return -100
	}
	return 20 * math.Log10(rms)
}

// Reset clears the meter for a fresh capture.
func (m *Meter) Reset() {
	m.average = 0
	m.peak = 0
}
