package flow

import "github.com/chewxy/math32"

// DefaultWindowSize is the standard averaging window in cycles.
const DefaultWindowSize = 32

// CycleAverager keeps a fixed-capacity ring of per-cycle signal values
// and estimates noise from the sum of squared successive differences.
// Like SyncDetector it lives on the hot path: Push neither allocates
// nor locks.
type CycleAverager struct {
	buf    []float32
	idx    int
	fill   int
	filled bool

	prev      float32
	havePrev  bool
	sumSqDiff float32
	cycles    int
}

// NewCycleAverager creates an averager over a window of n cycles.
func NewCycleAverager(n int) *CycleAverager {
	if n <= 0 {
		n = DefaultWindowSize
	}
	return &CycleAverager{buf: make([]float32, n)}
}

// Push inserts a cycle value, overwriting the oldest once full, and
// reports whether this push filled the buffer for the first time since
// the last Reset.
func (a *CycleAverager) Push(v float32) (justFilled bool) {
	a.buf[a.idx] = v
	a.idx = (a.idx + 1) % len(a.buf)
	if a.fill < len(a.buf) {
		a.fill++
		if a.fill == len(a.buf) {
			a.filled = true
			justFilled = true
		}
	}

	if a.havePrev {
		d := v - a.prev
		a.sumSqDiff += d * d
	}
	a.prev = v
	a.havePrev = true
	a.cycles++
	return justFilled
}

// Full reports whether the window has been filled at least once since
// the last Reset.
func (a *CycleAverager) Full() bool { return a.filled }

// Average returns the arithmetic mean of the buffered values. Only
// meaningful once Full reports true.
func (a *CycleAverager) Average() float32 {
	if a.fill == 0 {
		return 0
	}
	var sum float32
	for i := 0; i < a.fill; i++ {
		sum += a.buf[i]
	}
	return sum / float32(a.fill)
}

// NoiseEstimate returns the sample standard deviation derived from
// the successive-difference accumulator over all cycles since Reset.
func (a *CycleAverager) NoiseEstimate() float32 {
	if a.cycles <= 1 {
		return 0
	}
	return math32.Sqrt(a.sumSqDiff / float32(a.cycles-1))
}

// Reset clears the buffer, fill state and noise accumulator.
func (a *CycleAverager) Reset() {
	a.idx = 0
	a.fill = 0
	a.filled = false
	a.havePrev = false
	a.prev = 0
	a.sumSqDiff = 0
	a.cycles = 0
}
