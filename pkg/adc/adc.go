package adc

import "time"

// Phase identifies the coil excitation phase a sample was taken in.
type Phase uint8

const (
	// PhaseOff means the excitation coil was de-energized.
	PhaseOff Phase = iota
	// PhaseOn means the excitation coil was driven at target current.
	PhaseOn
)

// Channel identifies one of the two simultaneous ADC channels.
type Channel uint8

const (
	// ChannelElectrode is the electrode-pair differential input.
	ChannelElectrode Channel = iota
	// ChannelCoil is the coil current-sense input.
	ChannelCoil
)

// GainStep is a discrete PGA setting. The amplifier gain is 2^step,
// so step 0 is 1x and step 7 is 128x.
type GainStep uint8

const (
	// MinGainStep is the lowest PGA setting (1x).
	MinGainStep GainStep = 0
	// MaxGainStep is the highest PGA setting (128x).
	MaxGainStep GainStep = 7
)

// Value returns the amplifier gain for the step.
func (g GainStep) Value() float32 {
	return float32(int32(1) << g)
}

// RawSample is one simultaneous dual-channel conversion delivered by
// the front end. Counts are signed 24-bit values sign-extended to
// int32.
type RawSample struct {
	Electrode int32 // electrode differential, ADC counts
	Coil      int32 // coil current sense, ADC counts
	Phase     Phase // excitation phase active during the conversion
	Valid     bool  // false when the front end flagged the conversion
}

const (
	// VRefMicrovolts is the converter reference in microvolts.
	VRefMicrovolts = 2500000.0
	// FullScaleCounts is the positive full scale of the 24-bit converter.
	FullScaleCounts = 8388608.0

	// coilSenseOhms is the coil current shunt. With a 1 ohm shunt the
	// sense voltage in millivolts equals the coil current in mA.
	coilSenseOhms = 1.0
)

// MicrovoltsPerCount returns the input-referred LSB size for a gain step.
func MicrovoltsPerCount(g GainStep) float32 {
	return (VRefMicrovolts / FullScaleCounts) / g.Value()
}

// CountsToMicrovolts converts a (possibly fractional, averaged) count
// value to input-referred microvolts at the given gain.
func CountsToMicrovolts(counts float32, g GainStep) float32 {
	return counts * MicrovoltsPerCount(g)
}

// CountsToMilliamps converts coil-sense counts to coil current. The
// coil channel always runs at unity gain.
func CountsToMilliamps(counts float32) float32 {
	return CountsToMicrovolts(counts, MinGainStep) / 1000.0 / coilSenseOhms
}

// SampleSource is the analog front end collaborator. Implementations
// deliver a fixed-rate stream of RawSamples and expose the converter's
// gain and calibration registers.
type SampleSource interface {
	Connect() error
	Close() error
	Samples() <-chan RawSample
	IsConnected() bool

	SetGain(ch Channel, step GainStep) error
	EnableGlobalChop(enable bool) error

	// AutoOffsetCal runs the converter's inputs-shorted offset
	// calibration over n conversions and latches the result into the
	// channel's offset register.
	AutoOffsetCal(ch Channel, n int) error
	OffsetCal(ch Channel) (int32, error)
	SetOffsetCal(ch Channel, word int32) error
	GainCal(ch Channel) (uint32, error)
	SetGainCal(ch Channel, word uint32) error

	// ReadSample performs one blocking conversion outside the streaming
	// path. Used only by calibration routines.
	ReadSample() (RawSample, error)
}

// CoilDriver is the excitation coil collaborator.
type CoilDriver interface {
	SetTargetCurrent(mA float32) error
	Enable() error
	Disable() error
	SoftStart() error
}

// Clock is a monotonic millisecond timestamp source.
type Clock interface {
	Millis() int64
}

// SystemClock is the wall process clock.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a Clock anchored at the call time.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Millis returns milliseconds since the clock was created.
func (c *SystemClock) Millis() int64 {
	return time.Since(c.start).Milliseconds()
}

// ManualClock is a test clock advanced by hand.
type ManualClock struct {
	Now int64
}

// Millis returns the manually set timestamp.
func (c *ManualClock) Millis() int64 { return c.Now }

// Advance moves the clock forward by ms milliseconds.
func (c *ManualClock) Advance(ms int64) { c.Now += ms }
