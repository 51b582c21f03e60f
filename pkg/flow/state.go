// Package flow implements the synchronous-detection flow measurement
// engine: phase-keyed sample accumulation, windowed averaging with
// noise estimation, auto-gain and auto-zero servos, and the
// calibrated conversion from electrode microvolts to flow rate.
package flow

import "github.com/chewxy/math32"

// Signal classification thresholds, input-referred microvolts.
const (
	// MinSignalUV below which the signal is treated as absent.
	MinSignalUV = 5.0
	// MaxSignalUV above which the front end is saturating.
	MaxSignalUV = 4000.0
	// ZeroThresholdUV is the hysteresis band around zero; signals
	// inside it report zero velocity regardless of span.
	ZeroThresholdUV = 2.0
	// ReverseThresholdUV is how far negative the signal must go before
	// reverse flow is flagged.
	ReverseThresholdUV = 5.0

	// Coil current plausibility window, milliamps.
	MinCoilCurrentMA = 50.0
	MaxCoilCurrentMA = 500.0

	// ZeroCalMaxNoiseUV is the noise ceiling for a trusted manual zero
	// calibration.
	ZeroCalMaxNoiseUV = 10.0

	// LitersPerUSGallon converts the totalized/readout units.
	LitersPerUSGallon = 3.785412
)

// FlowState is one coherent measurement-window result plus the
// running statistics and status flags. Readers always receive a copy
// taken under the engine lock, never a live reference.
type FlowState struct {
	VelocityMPS float32
	FlowLPM     float32
	FlowGPM     float32
	TotalLiters float64

	MinLPM      float32
	MaxLPM      float32
	MeanLPM     float32
	WindowCount uint32

	SignalUV      float32 // post-zero-subtraction signal
	RawUV         float32 // temperature-compensated, pre-zero signal
	NoiseUV       float32
	CoilCurrentMA float32
	Quality       uint8 // 0-100 SNR-based confidence
	AmbientC      float32

	WindowFull bool

	SignalLow   bool
	SignalHigh  bool
	ReverseFlow bool
	CoilFault   bool
}

// resetStatistics returns the running statistics to their start-of-run
// template: min at +inf, max at -inf so the first window defines both.
func (s *FlowState) resetStatistics() {
	s.MinLPM = math32.Inf(1)
	s.MaxLPM = math32.Inf(-1)
	s.MeanLPM = 0
	s.WindowCount = 0
}

// qualityScore is a crude SNR percentage: full marks when the signal
// stands ten-to-one over the noise floor.
func qualityScore(absSignalUV, noiseUV float32) uint8 {
	q := 100 * absSignalUV / (10 * (noiseUV + 0.1))
	if q > 100 {
		q = 100
	}
	if q < 0 {
		q = 0
	}
	return uint8(q)
}

// pipeAreaM2 returns the flow cross-section for a pipe diameter.
func pipeAreaM2(diameterM float32) float32 {
	r := diameterM / 2
	return math32.Pi * r * r
}
