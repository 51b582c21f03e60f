package flow

import "github.com/ccroswhite/agsys-control-sub002/pkg/adc"

// Auto-gain thresholds, input-referred microvolts. The band between
// them is wide enough that a single-step change cannot bounce the
// signal across both.
const (
	// AutoGainLowUV: below this the PGA steps up toward maximum.
	AutoGainLowUV = 50.0
	// AutoGainHighUV: above this the PGA steps down toward minimum.
	AutoGainHighUV = 3000.0
)

// AutoGain recommends PGA gain changes that keep the averaged signal
// magnitude in range. Each recommendation moves exactly one discrete
// step per window, never jumping, so the loop cannot oscillate.
type AutoGain struct {
	LowUV  float32
	HighUV float32
}

// NewAutoGain returns a controller with the standard thresholds.
func NewAutoGain() AutoGain {
	return AutoGain{LowUV: AutoGainLowUV, HighUV: AutoGainHighUV}
}

// Recommend returns the next gain step given the averaged signal
// magnitude, and whether a change is requested at all.
func (a AutoGain) Recommend(absSignalUV float32, current adc.GainStep) (adc.GainStep, bool) {
	if absSignalUV < a.LowUV && current < adc.MaxGainStep {
		return current + 1, true
	}
	if absSignalUV > a.HighUV && current > adc.MinGainStep {
		return current - 1, true
	}
	return current, false
}
