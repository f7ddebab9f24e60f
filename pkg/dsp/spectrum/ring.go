package spectrum

// WindowSize is the number of samples analyzed per spectrum frame. The
// sample ring holds exactly one window.
const WindowSize = 1024

// Ring keeps the most recent WindowSize mono samples. Writes overwrite
// the oldest data. Ring does no locking; callers serialize access.
type Ring struct {
	buf   [WindowSize]float64
	head  int
	total uint64
}

// Write appends samples, discarding all but the newest WindowSize when
// the slice is larger than the ring. Total still advances by the full
// input length so cadence bookkeeping stays sample-accurate.
func (r *Ring) Write(samples []float64) {
	r.total += uint64(len(samples))
	if len(samples) >= WindowSize {
		samples = samples[len(samples)-WindowSize:]
	}
	n := copy(r.buf[r.head:], samples)
	if n < len(samples) {
		copy(r.buf[:], samples[n:])
	}
	r.head = (r.head + len(samples)) % WindowSize
}

// Total reports the number of samples written since the last reset.
func (r *Ring) Total() uint64 {
	return r.total
}

// Filled reports whether a full window has accumulated.
func (r *Ring) Filled() bool {
	return r.total >= WindowSize
}

// Snapshot copies the current window into dst in arrival order, oldest
// sample first. It returns false until the ring has filled once.
func (r *Ring) Snapshot(dst []float64) bool {
	if r.total < WindowSize {
		return false
	}
	n := copy(dst, r.buf[r.head:])
	copy(dst[n:], r.buf[:r.head])
	return true
}

// Reset clears the ring so samples from a previous capture cannot leak
// into the next one.
func (r *Ring) Reset() {
	r.buf = [WindowSize]float64{}
	r.head = 0
	r.total = 0
}
