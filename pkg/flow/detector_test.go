package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccroswhite/agsys-control-sub002/pkg/adc"
)

// onSample and offSample build phase-tagged conversions in raw counts.
func onSample(electrode, coil int32) adc.RawSample {
	return adc.RawSample{Electrode: electrode, Coil: coil, Phase: adc.PhaseOn, Valid: true}
}

func offSample(electrode int32) adc.RawSample {
	return adc.RawSample{Electrode: electrode, Phase: adc.PhaseOff, Valid: true}
}

func TestSyncDetector_OneCyclePerFullPhasePair(t *testing.T) {
	d := NewSyncDetector(4)
	d.Start()

	gain := adc.GainStep(5)
	emissions := 0
	for i := 0; i < 4; i++ {
		_, ok := d.Accumulate(onSample(1000, 0), gain)
		assert.False(t, ok, "must not emit before both halves complete")
	}
	for i := 0; i < 4; i++ {
		res, ok := d.Accumulate(offSample(200), gain)
		if ok {
			emissions++
			want := adc.CountsToMicrovolts(800, gain)
			assert.InDelta(t, want, res.SignalUV, 1e-4)
		}
	}
	assert.Equal(t, 1, emissions, "exactly one result per completed cycle")
	assert.Equal(t, uint32(1), d.Cycles())
}

func TestSyncDetector_ResetsBetweenCycles(t *testing.T) {
	d := NewSyncDetector(2)
	d.Start()
	gain := adc.MinGainStep

	// First cycle: ON mean 100, OFF mean 0.
	d.Accumulate(onSample(100, 0), gain)
	d.Accumulate(onSample(100, 0), gain)
	d.Accumulate(offSample(0), gain)
	res, ok := d.Accumulate(offSample(0), gain)
	require.True(t, ok)
	assert.InDelta(t, adc.CountsToMicrovolts(100, gain), res.SignalUV, 1e-4)

	// Second cycle must not inherit anything from the first.
	d.Accumulate(onSample(-50, 0), gain)
	d.Accumulate(onSample(-50, 0), gain)
	d.Accumulate(offSample(0), gain)
	res, ok = d.Accumulate(offSample(0), gain)
	require.True(t, ok)
	assert.InDelta(t, adc.CountsToMicrovolts(-50, gain), res.SignalUV, 1e-4)
	assert.Equal(t, uint32(2), d.Cycles())
}

func TestSyncDetector_CoilCurrentFromOnPhase(t *testing.T) {
	d := NewSyncDetector(2)
	d.Start()
	gain := adc.MinGainStep

	// 250 mA across the 1 ohm shunt is 250 mV at the converter input.
	coilCounts := int32(250000.0 / adc.MicrovoltsPerCount(adc.MinGainStep))

	d.Accumulate(onSample(0, coilCounts), gain)
	d.Accumulate(onSample(0, coilCounts), gain)
	d.Accumulate(offSample(0), gain)
	res, ok := d.Accumulate(offSample(0), gain)
	require.True(t, ok)
	assert.InDelta(t, 250.0, res.CoilCurrentMA, 0.1)
}

func TestSyncDetector_InvalidSamplesCounted(t *testing.T) {
	d := NewSyncDetector(2)
	d.Start()

	bad := adc.RawSample{Electrode: 100, Phase: adc.PhaseOn, Valid: false}
	_, ok := d.Accumulate(bad, adc.MinGainStep)
	assert.False(t, ok)
	assert.Equal(t, uint32(1), d.Invalid())
	assert.Equal(t, uint32(0), d.Cycles())
}

func TestSyncDetector_StoppedIgnoresSamples(t *testing.T) {
	d := NewSyncDetector(1)
	d.Start()
	d.Stop()

	_, ok := d.Accumulate(onSample(100, 0), adc.MinGainStep)
	assert.False(t, ok)
	_, ok = d.Accumulate(offSample(0), adc.MinGainStep)
	assert.False(t, ok)
	assert.Equal(t, uint32(0), d.Cycles())
	assert.Equal(t, uint32(0), d.Invalid())
}

func TestSyncDetector_DefaultGeometry(t *testing.T) {
	d := NewSyncDetector(0)
	assert.Equal(t, 4, d.samplesPerHalf)
}
