package flow

import (
	"github.com/chewxy/math32"
)

// AutoZeroConfig tunes the automatic zero-offset re-estimation.
type AutoZeroConfig struct {
	Enabled       bool
	StabilityUV   float32 // pre-zero magnitude treated as "no flow"
	NoiseUV       float32 // noise ceiling for a trusted tracking window
	StableTimeMs  int64   // how long conditions must hold before commit
	MinIntervalMs int64   // refractory period between commits
}

// DefaultAutoZeroConfig returns the field defaults: a commit requires
// 30 s of stable no-flow signal, at most once an hour.
func DefaultAutoZeroConfig() AutoZeroConfig {
	return AutoZeroConfig{
		Enabled:       true,
		StabilityUV:   10,
		NoiseUV:       5,
		StableTimeMs:  30000,
		MinIntervalMs: 3600000,
	}
}

// AutoZero watches the pre-zero-correction signal for a sustained
// no-flow condition and produces a new zero offset when one holds for
// the configured stable time. Any unstable tick while tracking aborts
// the window without committing.
type AutoZero struct {
	cfg AutoZeroConfig

	tracking bool
	startMs  int64
	sum      float32
	n        int

	committed    bool
	lastCommitMs int64
}

// NewAutoZero creates a controller with the given configuration.
func NewAutoZero(cfg AutoZeroConfig) *AutoZero {
	return &AutoZero{cfg: cfg}
}

// Reset clears tracking and commit history, e.g. at engine start.
func (z *AutoZero) Reset() {
	z.tracking = false
	z.sum = 0
	z.n = 0
	z.committed = false
	z.lastCommitMs = 0
}

// Tracking reports whether a stability window is currently open.
func (z *AutoZero) Tracking() bool { return z.tracking }

// Tick evaluates one periodic sample of the pre-zero signal and
// noise estimate at time nowMs. When a stability window completes it
// returns the new zero offset (the mean of the tracked samples) and
// true; otherwise false.
func (z *AutoZero) Tick(nowMs int64, rawUV, noiseUV float32) (float32, bool) {
	if !z.cfg.Enabled {
		return 0, false
	}
	if z.committed && nowMs-z.lastCommitMs < z.cfg.MinIntervalMs {
		return 0, false
	}

	stable := math32.Abs(rawUV) < z.cfg.StabilityUV && noiseUV < z.cfg.NoiseUV
	if !stable {
		z.tracking = false
		z.sum = 0
		z.n = 0
		return 0, false
	}

	if !z.tracking {
		z.tracking = true
		z.startMs = nowMs
		z.sum = 0
		z.n = 0
	}
	z.sum += rawUV
	z.n++

	if nowMs-z.startMs < z.cfg.StableTimeMs || z.n == 0 {
		return 0, false
	}

	zero := z.sum / float32(z.n)
	z.tracking = false
	z.sum = 0
	z.n = 0
	z.committed = true
	z.lastCommitMs = nowMs
	return zero, true
}
