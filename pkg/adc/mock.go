package adc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chewxy/math32"
)

// MockConfig controls the simulated front end.
type MockConfig struct {
	SampleRateHz   int     // conversion rate, e.g. 16000
	SamplesPerHalf int     // samples per excitation half-cycle
	SignalUV       float32 // flow signal injected during the ON phase
	BaselineUV     float32 // electrode offset present in both phases
	NoiseUV        float32 // deterministic pseudo-noise amplitude
	CoilCurrentMA  float32 // simulated coil current during ON phase
	BufSize        int
}

// Mock simulates the flow sensor front end for development and tests.
// It generates phase-tagged samples the way the real AFE does:
// the electrode channel carries BaselineUV plus SignalUV during the
// ON phase, and the coil channel carries the current-sense voltage.
type Mock struct {
	cfg MockConfig

	samples   chan RawSample
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool

	gain    [2]GainStep
	offset  [2]int32
	gainCal [2]uint32
	chop    bool

	targetMA   float32
	coilOn     bool
	sampleIdx  int
	phaseIsOn  bool
	phaseCount int
}

var _ SampleSource = (*Mock)(nil)
var _ CoilDriver = (*Mock)(nil)

// NewMock creates a simulated front end.
func NewMock(cfg MockConfig) *Mock {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 16000
	}
	if cfg.SamplesPerHalf <= 0 {
		cfg.SamplesPerHalf = 4
	}
	if cfg.BufSize <= 0 {
		cfg.BufSize = 256
	}
	if cfg.CoilCurrentMA == 0 {
		cfg.CoilCurrentMA = 250
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mock{
		cfg:     cfg,
		samples: make(chan RawSample, cfg.BufSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.gain[ChannelElectrode] = 5 // 32x, the usual field setting
	m.gain[ChannelCoil] = MinGainStep
	m.gainCal[ChannelElectrode] = unityGainCalWord
	m.gainCal[ChannelCoil] = unityGainCalWord
	m.targetMA = cfg.CoilCurrentMA
	return m
}

// unityGainCalWord is the converter's mid-scale gain register value.
const unityGainCalWord = 0x400000

// Connect starts sample generation.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	go m.generate()
	return nil
}

// Close stops the generator. The sample channel is closed by the
// generator goroutine on its way out, so a consumer draining the
// stream sees a clean end instead of a racing close.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}
	m.cancel()
	m.connected = false
	return nil
}

// Samples returns the generated sample stream.
func (m *Mock) Samples() <-chan RawSample {
	return m.samples
}

// IsConnected reports whether the generator is running.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SetGain sets the simulated PGA step for a channel.
func (m *Mock) SetGain(ch Channel, step GainStep) error {
	if step > MaxGainStep {
		return fmt.Errorf("gain step %d out of range", step)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gain[ch] = step
	return nil
}

// EnableGlobalChop toggles the simulated chop mode.
func (m *Mock) EnableGlobalChop(enable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chop = enable
	return nil
}

// AutoOffsetCal simulates the inputs-shorted calibration: the residual
// offset collapses to a small channel-dependent word.
func (m *Mock) AutoOffsetCal(ch Channel, n int) error {
	if n <= 0 {
		return fmt.Errorf("sample count must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offset[ch] = 12 + int32(ch)*5
	return nil
}

// OffsetCal returns the channel offset register word.
func (m *Mock) OffsetCal(ch Channel) (int32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offset[ch], nil
}

// SetOffsetCal writes the channel offset register word.
func (m *Mock) SetOffsetCal(ch Channel, word int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offset[ch] = word
	return nil
}

// GainCal returns the channel gain register word.
func (m *Mock) GainCal(ch Channel) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gainCal[ch], nil
}

// SetGainCal writes the channel gain register word.
func (m *Mock) SetGainCal(ch Channel, word uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gainCal[ch] = word
	return nil
}

// ReadSample performs one immediate simulated conversion.
func (m *Mock) ReadSample() (RawSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSample(), nil
}

// SetTargetCurrent implements CoilDriver.
func (m *Mock) SetTargetCurrent(mA float32) error {
	if mA <= 0 {
		return fmt.Errorf("target current must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targetMA = mA
	return nil
}

// Enable implements CoilDriver.
func (m *Mock) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coilOn = true
	return nil
}

// Disable implements CoilDriver.
func (m *Mock) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coilOn = false
	return nil
}

// SoftStart ramps the simulated coil; immediate in the mock.
func (m *Mock) SoftStart() error {
	return m.Enable()
}

// generate emits samples at the configured rate until Close.
func (m *Mock) generate() {
	defer close(m.samples)

	interval := time.Second / time.Duration(m.cfg.SampleRateHz)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			s := m.nextSample()
			m.mu.Unlock()
			select {
			case m.samples <- s:
			case <-m.ctx.Done():
				return
			default:
				// Channel full, skip
			}
		}
	}
}

// nextSample advances the excitation phase state machine and produces
// one conversion. Caller holds m.mu.
func (m *Mock) nextSample() RawSample {
	phase := PhaseOff
	if m.phaseIsOn {
		phase = PhaseOn
	}

	uv := m.cfg.BaselineUV
	coilMA := float32(0)
	if phase == PhaseOn {
		uv += m.cfg.SignalUV
		coilMA = m.targetMA
	}
	if m.cfg.NoiseUV > 0 {
		uv += m.cfg.NoiseUV * math32.Sin(float32(m.sampleIdx)*1.7)
	}

	eGain := m.gain[ChannelElectrode]
	electrode := int32(uv / MicrovoltsPerCount(eGain))
	coil := int32(coilMA * 1000.0 * coilSenseOhms / MicrovoltsPerCount(MinGainStep))

	m.sampleIdx++
	m.phaseCount++
	if m.phaseCount >= m.cfg.SamplesPerHalf {
		m.phaseCount = 0
		m.phaseIsOn = !m.phaseIsOn
	}

	return RawSample{Electrode: electrode, Coil: coil, Phase: phase, Valid: true}
}
