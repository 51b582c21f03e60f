package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAutoZeroConfig() AutoZeroConfig {
	return AutoZeroConfig{
		Enabled:       true,
		StabilityUV:   10,
		NoiseUV:       5,
		StableTimeMs:  30000,
		MinIntervalMs: 3600000,
	}
}

func TestAutoZero_CommitsAfterStableTime(t *testing.T) {
	z := NewAutoZero(testAutoZeroConfig())

	_, commit := z.Tick(0, 1, 1)
	assert.False(t, commit)
	assert.True(t, z.Tracking())

	_, commit = z.Tick(15000, 2, 1)
	assert.False(t, commit)

	zero, commit := z.Tick(30000, 3, 1)
	require.True(t, commit, "stable time elapsed, must commit")
	assert.InDelta(t, 2.0, zero, 1e-5, "zero is the mean of the tracked samples")
	assert.False(t, z.Tracking())
}

func TestAutoZero_RefractoryPeriod(t *testing.T) {
	z := NewAutoZero(testAutoZeroConfig())

	z.Tick(0, 1, 1)
	_, commit := z.Tick(30000, 1, 1)
	require.True(t, commit)

	// Stable ticks inside the refractory window never commit, and do
	// not even open a tracking window.
	for ms := int64(31000); ms < 30000+3600000; ms += 600000 {
		_, commit = z.Tick(ms, 1, 1)
		assert.False(t, commit)
		assert.False(t, z.Tracking())
	}

	// Once the interval expires a fresh stability window is required.
	start := int64(30000 + 3600000)
	_, commit = z.Tick(start, 1, 1)
	assert.False(t, commit, "tracking restarts, commit needs the full stable time again")
	assert.True(t, z.Tracking())
	_, commit = z.Tick(start+30000, 1, 1)
	assert.True(t, commit)
}

func TestAutoZero_UnstableTickAborts(t *testing.T) {
	z := NewAutoZero(testAutoZeroConfig())

	z.Tick(0, 1, 1)
	require.True(t, z.Tracking())

	// Signal magnitude breaks the stability bound.
	_, commit := z.Tick(10000, 50, 1)
	assert.False(t, commit)
	assert.False(t, z.Tracking())

	// The window restarts from the next stable tick; 30 s after the
	// original start is not enough anymore.
	z.Tick(20000, 1, 1)
	_, commit = z.Tick(30000, 1, 1)
	assert.False(t, commit)
	_, commit = z.Tick(50000, 1, 1)
	assert.True(t, commit)
}

func TestAutoZero_NoiseAborts(t *testing.T) {
	z := NewAutoZero(testAutoZeroConfig())

	z.Tick(0, 1, 1)
	_, commit := z.Tick(10000, 1, 20)
	assert.False(t, commit)
	assert.False(t, z.Tracking())
}

func TestAutoZero_Disabled(t *testing.T) {
	cfg := testAutoZeroConfig()
	cfg.Enabled = false
	z := NewAutoZero(cfg)

	for ms := int64(0); ms <= 120000; ms += 10000 {
		_, commit := z.Tick(ms, 0, 0)
		assert.False(t, commit)
	}
	assert.False(t, z.Tracking())
}

func TestAutoZero_ResetClearsHistory(t *testing.T) {
	z := NewAutoZero(testAutoZeroConfig())

	z.Tick(0, 1, 1)
	_, commit := z.Tick(30000, 1, 1)
	require.True(t, commit)

	// Reset forgets the refractory period.
	z.Reset()
	z.Tick(40000, 1, 1)
	_, commit = z.Tick(70000, 1, 1)
	assert.True(t, commit)
}
