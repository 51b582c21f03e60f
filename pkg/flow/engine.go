package flow

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/chewxy/math32"

	"github.com/ccroswhite/agsys-control-sub002/pkg/adc"
	"github.com/ccroswhite/agsys-control-sub002/pkg/cal"
)

// Calibration operation failures. The previously committed
// calibration is left untouched whenever one of these is returned.
var (
	ErrNilSource       = errors.New("nil sample source")
	ErrAlreadyRunning  = errors.New("engine already running")
	ErrNotRunning      = errors.New("engine not running")
	ErrWindowNotFull   = errors.New("averaging window not yet full")
	ErrTooNoisy        = errors.New("signal too noisy to calibrate")
	ErrSignalTooLow    = errors.New("signal below minimum for span calibration")
	ErrInvalidFlowRate = errors.New("known flow rate must be positive")
)

// Params fixes the engine's sampling geometry.
type Params struct {
	SampleRateHz int
	ExcitationHz int
	WindowSize   int
	InitialGain  adc.GainStep
	AutoZero     AutoZeroConfig
}

// DefaultParams returns the production geometry: 16 kHz sampling over
// 2 kHz excitation, a 32-cycle window, 32x initial gain.
func DefaultParams() Params {
	return Params{
		SampleRateHz: 16000,
		ExcitationHz: 2000,
		WindowSize:   DefaultWindowSize,
		InitialGain:  5,
		AutoZero:     DefaultAutoZeroConfig(),
	}
}

// SamplesPerHalfCycle derives the detector geometry from the sample
// and excitation rates.
func (p Params) SamplesPerHalfCycle() int {
	if p.ExcitationHz <= 0 {
		return 4
	}
	n := p.SampleRateHz / (2 * p.ExcitationHz)
	if n < 1 {
		n = 1
	}
	return n
}

// Engine is the flow measurement orchestrator. Exactly one goroutine
// may call ProcessSample (the hot path); Snapshot, the calibration
// operations and the periodic ticks are safe from any other goroutine.
//
// The hot path touches only unshared accumulator state per sample and
// takes the engine lock once per completed window to publish a whole
// FlowState, so readers never observe a state spanning two windows.
type Engine struct {
	params  Params
	source  adc.SampleSource
	clock   adc.Clock
	running atomic.Bool

	// Hot-path state, owned by the producer goroutine.
	det        *SyncDetector
	avg        *CycleAverager
	gainStep   adc.GainStep
	coilMA     float32
	cycleCount int

	ag AutoGain
	az *AutoZero

	windowMinutes float32

	mu       sync.Mutex
	calRec   cal.FlowCalibration
	ambientC float32
	state    FlowState
	onCal    func(cal.FlowCalibration)
}

// NewEngine creates an engine with the given geometry. Call Init to
// bind the front end before starting.
func NewEngine(params Params) *Engine {
	if params.WindowSize <= 0 {
		params.WindowSize = DefaultWindowSize
	}
	e := &Engine{
		params:   params,
		det:      NewSyncDetector(params.SamplesPerHalfCycle()),
		avg:      NewCycleAverager(params.WindowSize),
		ag:       NewAutoGain(),
		az:       NewAutoZero(params.AutoZero),
		gainStep: params.InitialGain,
		ambientC: 25,
	}
	if params.ExcitationHz > 0 {
		e.windowMinutes = float32(params.WindowSize) / float32(params.ExcitationHz) / 60.0
	}
	e.state.resetStatistics()
	return e
}

// Init binds the front end and clock. It fails only on a nil source.
// Calibration stays at zero values until SetCalibration is called.
func (e *Engine) Init(source adc.SampleSource, clock adc.Clock) error {
	if source == nil {
		return ErrNilSource
	}
	if clock == nil {
		clock = adc.NewSystemClock()
	}
	e.source = source
	e.clock = clock
	return nil
}

// SetCalibration installs the flow calibration record the pipeline
// applies. Called by the boot sequence after the record is loaded, and
// again whenever the manager reloads it.
func (e *Engine) SetCalibration(c cal.FlowCalibration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calRec = c
	e.az.cfg.Enabled = c.AutoZeroEnabled
}

// Calibration returns a copy of the engine's working record.
func (e *Engine) Calibration() cal.FlowCalibration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calRec
}

// OnCalibrationUpdate registers the callback fired after zero, span or
// auto-zero commits. The callback receives the updated record and is
// expected to persist it; it runs on the committing goroutine, never
// on the hot path.
func (e *Engine) OnCalibrationUpdate(fn func(cal.FlowCalibration)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCal = fn
}

// Start resets the detection chain and running statistics and begins
// accepting samples. The totalizer survives restarts; only
// ResetTotalizer clears it.
func (e *Engine) Start() error {
	if e.source == nil {
		return ErrNilSource
	}
	if e.running.Load() {
		return ErrAlreadyRunning
	}

	e.det.Start()
	e.avg.Reset()
	e.az.Reset()
	e.cycleCount = 0
	e.coilMA = 0

	e.mu.Lock()
	e.state.resetStatistics()
	e.state.WindowFull = false
	e.state.SignalLow = false
	e.state.SignalHigh = false
	e.state.ReverseFlow = false
	e.state.CoilFault = false
	e.mu.Unlock()

	if err := e.source.SetGain(adc.ChannelElectrode, e.gainStep); err != nil {
		log.Printf("flow engine: initial gain: %v", err)
	}

	e.running.Store(true)
	return nil
}

// Stop quits accepting samples. In-flight partial cycle data is
// discarded.
func (e *Engine) Stop() {
	e.running.Store(false)
	e.det.Stop()
}

// Running reports whether the engine is accepting samples.
func (e *Engine) Running() bool { return e.running.Load() }

// GainStep returns the current electrode PGA setting.
func (e *Engine) GainStep() adc.GainStep { return e.gainStep }

// ProcessSample is the hot path, called once per raw conversion. It
// must never block; all shared state is published en bloc once per
// completed averaging window.
func (e *Engine) ProcessSample(s adc.RawSample) {
	if !e.running.Load() {
		return
	}
	res, ok := e.det.Accumulate(s, e.gainStep)
	if !ok {
		return
	}

	if e.coilMA == 0 {
		e.coilMA = res.CoilCurrentMA
	} else {
		e.coilMA += (res.CoilCurrentMA - e.coilMA) * 0.1
	}

	e.avg.Push(res.SignalUV)
	e.cycleCount++
	if e.cycleCount >= e.params.WindowSize && e.avg.Full() {
		e.cycleCount = 0
		e.runWindow()
	}
}

// Run pumps samples from a channel into ProcessSample until the
// context is cancelled or the channel closes.
func (e *Engine) Run(ctx context.Context, in <-chan adc.RawSample) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-in:
			if !ok {
				return
			}
			e.ProcessSample(s)
		}
	}
}

// runWindow executes the measurement pipeline for one completed
// averaging window and publishes the result.
func (e *Engine) runWindow() {
	rawAvg := e.avg.Average()
	noise := e.avg.NoiseEstimate()

	e.mu.Lock()

	// 1. Temperature compensation of the raw signal.
	raw := rawAvg
	if e.calRec.TempCoeffOffUV != 0 {
		raw -= e.calRec.TempCoeffOffUV * (e.ambientC - e.calRec.RefTempC)
	}

	// 2. Zero offset subtraction.
	sig := raw - e.calRec.ZeroOffsetUV
	abs := math32.Abs(sig)

	// 3. Classification.
	signalLow := abs < MinSignalUV
	signalHigh := abs > MaxSignalUV
	reverse := sig < -ReverseThresholdUV

	// 4. Velocity.
	var velocity float32
	if !signalLow && abs >= ZeroThresholdUV && e.calRec.SpanUVPerMPS > 0 {
		velocity = sig / e.calRec.SpanUVPerMPS
	}

	// 5. Volumetric flow through the pipe cross-section.
	flowLPM := pipeAreaM2(e.calRec.DiameterM) * math32.Abs(velocity) * 60000
	if reverse {
		flowLPM = -flowLPM
	}

	// 6. Totalizer integration over the window duration.
	e.state.TotalLiters += float64(flowLPM) * float64(e.windowMinutes)

	// 7. Running statistics.
	e.state.WindowCount++
	if flowLPM < e.state.MinLPM {
		e.state.MinLPM = flowLPM
	}
	if flowLPM > e.state.MaxLPM {
		e.state.MaxLPM = flowLPM
	}
	e.state.MeanLPM += (flowLPM - e.state.MeanLPM) / float32(e.state.WindowCount)

	// 8. Coil supervision.
	coilFault := e.coilMA < MinCoilCurrentMA || e.coilMA > MaxCoilCurrentMA

	// 9. Quality score.
	quality := qualityScore(abs, noise)

	e.state.VelocityMPS = velocity
	e.state.FlowLPM = flowLPM
	e.state.FlowGPM = flowLPM / LitersPerUSGallon
	e.state.SignalUV = sig
	e.state.RawUV = raw
	e.state.NoiseUV = noise
	e.state.CoilCurrentMA = e.coilMA
	e.state.Quality = quality
	e.state.AmbientC = e.ambientC
	e.state.WindowFull = true
	e.state.SignalLow = signalLow
	e.state.SignalHigh = signalHigh
	e.state.ReverseFlow = reverse
	e.state.CoilFault = coilFault

	e.mu.Unlock()

	// 10. Gain servo, one step per window at most.
	if next, change := e.ag.Recommend(abs, e.gainStep); change {
		e.gainStep = next
		if err := e.source.SetGain(adc.ChannelElectrode, next); err != nil {
			log.Printf("flow engine: gain step %d: %v", next, err)
		}
	}
}

// Snapshot returns a copy of the last published measurement window.
func (e *Engine) Snapshot() FlowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetAmbientTemperature feeds the board temperature used for
// temperature compensation. Called from the housekeeping task.
func (e *Engine) SetAmbientTemperature(c float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ambientC = c
}

// ResetTotalizer zeroes the accumulated volume.
func (e *Engine) ResetTotalizer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.TotalLiters = 0
}

// ResetStatistics restarts the running min/max/mean tracking.
func (e *Engine) ResetStatistics() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.resetStatistics()
}

// ZeroCalibrate commits the current pre-zero average as the new zero
// offset. It refuses to run before the window is full or while the
// signal is too noisy to trust, leaving the prior offset untouched.
func (e *Engine) ZeroCalibrate() error {
	e.mu.Lock()
	if !e.running.Load() {
		e.mu.Unlock()
		return ErrNotRunning
	}
	if !e.state.WindowFull {
		e.mu.Unlock()
		return ErrWindowNotFull
	}
	if e.state.NoiseUV > ZeroCalMaxNoiseUV {
		e.mu.Unlock()
		return ErrTooNoisy
	}

	e.calRec.ZeroOffsetUV = e.state.RawUV
	e.calRec.RefTempC = e.ambientC
	rec := e.calRec
	cb := e.onCal
	e.mu.Unlock()

	if cb != nil {
		cb(rec)
	}
	return nil
}

// SpanCalibrate derives the span coefficient from a known reference
// flow rate in L/min running through the meter.
func (e *Engine) SpanCalibrate(knownFlowLPM float32) error {
	if knownFlowLPM <= 0 {
		return ErrInvalidFlowRate
	}

	e.mu.Lock()
	if !e.running.Load() {
		e.mu.Unlock()
		return ErrNotRunning
	}
	if !e.state.WindowFull {
		e.mu.Unlock()
		return ErrWindowNotFull
	}
	if math32.Abs(e.state.SignalUV) < MinSignalUV {
		e.mu.Unlock()
		return ErrSignalTooLow
	}

	expectedVelocity := knownFlowLPM / (pipeAreaM2(e.calRec.DiameterM) * 60000)
	e.calRec.SpanUVPerMPS = e.state.SignalUV / expectedVelocity
	rec := e.calRec
	cb := e.onCal
	e.mu.Unlock()

	if cb != nil {
		cb(rec)
	}
	return nil
}

// AutoZeroTick is the periodic (housekeeping-cadence) auto-zero
// evaluation. A commit updates the working calibration and fires the
// calibration callback for persistence.
func (e *Engine) AutoZeroTick() {
	e.mu.Lock()
	if !e.running.Load() || !e.state.WindowFull {
		e.mu.Unlock()
		return
	}
	zero, commit := e.az.Tick(e.clock.Millis(), e.state.RawUV, e.state.NoiseUV)
	if !commit {
		e.mu.Unlock()
		return
	}

	e.calRec.ZeroOffsetUV = zero
	rec := e.calRec
	cb := e.onCal
	e.mu.Unlock()

	log.Printf("flow engine: auto-zero committed %.2f uV", zero)
	if cb != nil {
		cb(rec)
	}
}
