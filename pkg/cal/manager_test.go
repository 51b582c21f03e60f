package cal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccroswhite/agsys-control-sub002/pkg/adc"
	"github.com/ccroswhite/agsys-control-sub002/pkg/store"
)

// fakeFrontEnd is a deterministic SampleSource+CoilDriver for
// calibration sequencing tests.
type fakeFrontEnd struct {
	offset  [2]int32
	gainCal [2]uint32

	coilCounts int32
	samplesOK  bool

	failAutoCal bool
	failSetCal  bool

	autoCalCount int
	coilEnabled  bool
	targetMA     float32
}

func newFakeFrontEnd() *fakeFrontEnd {
	return &fakeFrontEnd{
		gainCal:   [2]uint32{0x400000, 0x400000},
		samplesOK: true,
	}
}

func (f *fakeFrontEnd) Connect() error                          { return nil }
func (f *fakeFrontEnd) Close() error                            { return nil }
func (f *fakeFrontEnd) Samples() <-chan adc.RawSample           { return nil }
func (f *fakeFrontEnd) IsConnected() bool                       { return true }
func (f *fakeFrontEnd) SetGain(adc.Channel, adc.GainStep) error { return nil }
func (f *fakeFrontEnd) EnableGlobalChop(bool) error             { return nil }

func (f *fakeFrontEnd) AutoOffsetCal(ch adc.Channel, n int) error {
	if f.failAutoCal {
		return fmt.Errorf("injected autocal failure")
	}
	f.autoCalCount++
	f.offset[ch] = 100 + int32(ch)
	return nil
}

func (f *fakeFrontEnd) OffsetCal(ch adc.Channel) (int32, error) { return f.offset[ch], nil }

func (f *fakeFrontEnd) SetOffsetCal(ch adc.Channel, word int32) error {
	if f.failSetCal {
		return fmt.Errorf("injected register failure")
	}
	f.offset[ch] = word
	return nil
}

func (f *fakeFrontEnd) GainCal(ch adc.Channel) (uint32, error) { return f.gainCal[ch], nil }

func (f *fakeFrontEnd) SetGainCal(ch adc.Channel, word uint32) error {
	if f.failSetCal {
		return fmt.Errorf("injected register failure")
	}
	f.gainCal[ch] = word
	return nil
}

func (f *fakeFrontEnd) ReadSample() (adc.RawSample, error) {
	return adc.RawSample{Coil: f.coilCounts, Phase: adc.PhaseOn, Valid: f.samplesOK}, nil
}

func (f *fakeFrontEnd) SetTargetCurrent(mA float32) error { f.targetMA = mA; return nil }
func (f *fakeFrontEnd) Enable() error                     { f.coilEnabled = true; return nil }
func (f *fakeFrontEnd) Disable() error                    { f.coilEnabled = false; return nil }
func (f *fakeFrontEnd) SoftStart() error                  { f.coilEnabled = true; return nil }

func newTestManager() (*Manager, *store.MemStore, *fakeFrontEnd) {
	st := store.NewMemStore()
	fe := newFakeFrontEnd()
	return NewManager(st, fe, fe, &adc.ManualClock{}), st, fe
}

func TestManager_LoadWithoutRecordFails(t *testing.T) {
	m, _, _ := newTestManager()
	assert.False(t, m.LoadFlowCalibration())
	assert.False(t, m.IsCalibrated())
}

func TestManager_SaveLoadRoundTrip(t *testing.T) {
	m, st, _ := newTestManager()
	m.SetFlowCalibration(sampleFlowCalibration())
	require.NoError(t, m.SaveFlowCalibration())

	m2 := NewManager(st, nil, nil, nil)
	require.True(t, m2.LoadFlowCalibration())
	assert.Equal(t, sampleFlowCalibration(), m2.FlowCalibration())
	assert.True(t, m2.IsCalibrated())
}

func TestManager_CorruptedRecordKeepsPriorState(t *testing.T) {
	m, st, _ := newTestManager()
	m.SetFlowCalibration(sampleFlowCalibration())
	require.NoError(t, m.SaveFlowCalibration())

	st.Corrupt(store.FlowCalAddr + 20)

	assert.False(t, m.LoadFlowCalibration())
	assert.Equal(t, sampleFlowCalibration(), m.FlowCalibration(),
		"a failed load must not clobber the working record")
}

func TestManager_StoreFaults(t *testing.T) {
	m, st, _ := newTestManager()
	m.SetFlowCalibration(sampleFlowCalibration())

	st.FailWrites = true
	assert.Error(t, m.SaveFlowCalibration())

	st.FailWrites = false
	require.NoError(t, m.SaveFlowCalibration())

	st.FailReads = true
	assert.False(t, m.LoadFlowCalibration())
}

func TestManager_ApplyDefaults(t *testing.T) {
	m, _, _ := newTestManager()
	m.ApplyDefaults(Pipe2_5In)

	c := m.FlowCalibration()
	assert.Equal(t, Pipe2_5In, c.PipeSize)
	assert.True(t, c.AutoZeroEnabled)
	assert.Zero(t, c.ZeroOffsetUV)
	assert.InDelta(t, 200.0, c.SpanUVPerMPS, 1e-6)
	assert.InDelta(t, 0.0635, c.DiameterM, 1e-6)
	assert.InDelta(t, 25.0, c.RefTempC, 1e-6)
	assert.Zero(t, c.CalDate, "defaults are not a field calibration")
	assert.False(t, m.IsCalibrated())

	// Applying twice is idempotent.
	m.ApplyDefaults(Pipe2_5In)
	assert.Equal(t, c, m.FlowCalibration())
}

func TestManager_DetectTier(t *testing.T) {
	m, _, _ := newTestManager()

	tests := []struct {
		mV   float32
		want Tier
	}{
		{0, TierUnknown},
		{449, TierUnknown},
		{450, TierS},
		{500, TierS},
		{550, TierS},
		{551, TierUnknown},
		{1000, TierUnknown},
		{1350, TierM},
		{1500, TierM},
		{1650, TierM},
		{1651, TierUnknown},
		{2250, TierL},
		{2500, TierL},
		{2750, TierL},
		{2751, TierUnknown},
		{3300, TierUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.DetectTier(tt.mV), "%.0f mV", tt.mV)
	}
}

func TestManager_ApplyTierDefaults(t *testing.T) {
	m, _, _ := newTestManager()
	m.ApplyDefaults(Pipe2In)

	m.ApplyTierDefaults(TierS)
	c := m.FlowCalibration()
	assert.Equal(t, TierS, c.Tier)
	assert.InDelta(t, 150.0, c.TargetCoilMA, 1e-6)
	assert.InDelta(t, 120.0, c.CoilOhms, 1e-6)
	assert.InDelta(t, 12.0, c.SupplyV, 1e-6)

	m.ApplyTierDefaults(TierL)
	c = m.FlowCalibration()
	assert.Equal(t, TierL, c.Tier)
	assert.InDelta(t, 400.0, c.TargetCoilMA, 1e-6)
	assert.InDelta(t, 40.0, c.CoilOhms, 1e-6)

	// Unknown keeps whatever is loaded.
	m.ApplyTierDefaults(TierUnknown)
	c2 := m.FlowCalibration()
	assert.InDelta(t, c.TargetCoilMA, c2.TargetCoilMA, 1e-6)
	assert.InDelta(t, c.CoilOhms, c2.CoilOhms, 1e-6)
}

func TestManager_CommitFieldCalibration(t *testing.T) {
	m, st, _ := newTestManager()
	m.ApplyDefaults(Pipe2In)
	require.False(t, m.IsCalibrated())

	c := m.FlowCalibration()
	c.ZeroOffsetUV = 4.5
	require.NoError(t, m.CommitFieldCalibration(c))
	assert.True(t, m.IsCalibrated())
	assert.NotZero(t, m.FlowCalibration().CalDate)

	// The commit is persisted, not just in memory.
	m2 := NewManager(st, nil, nil, nil)
	require.True(t, m2.LoadFlowCalibration())
	assert.InDelta(t, 4.5, m2.FlowCalibration().ZeroOffsetUV, 1e-6)
}

func TestManager_AdcCalibratePersists(t *testing.T) {
	m, st, fe := newTestManager()

	require.NoError(t, m.AdcCalibrate(23.0))
	assert.Equal(t, 2, fe.autoCalCount, "both channels calibrated")

	c := m.AdcCalibration()
	assert.Equal(t, int32(100), c.OffsetElectrode)
	assert.Equal(t, int32(101), c.OffsetCoil)
	assert.InDelta(t, 23.0, c.CalTempC, 1e-6)
	assert.NotZero(t, c.CalDate)

	m2 := NewManager(st, nil, nil, nil)
	assert.True(t, m2.LoadAdcCalibration())
	assert.False(t, m2.AdcNeedsCalibration(23.0))
	assert.True(t, m2.AdcNeedsCalibration(40.0), "large temperature drift invalidates the offsets")
}

func TestManager_AdcPrepare(t *testing.T) {
	t.Run("no stored record runs full calibration", func(t *testing.T) {
		m, _, fe := newTestManager()
		require.NoError(t, m.AdcPrepare(25.0))
		assert.Equal(t, 2, fe.autoCalCount)
	})

	t.Run("fresh stored record is applied without recalibrating", func(t *testing.T) {
		m, st, _ := newTestManager()
		require.NoError(t, m.AdcCalibrate(25.0))

		fe2 := newFakeFrontEnd()
		m2 := NewManager(st, fe2, fe2, nil)
		require.NoError(t, m2.AdcPrepare(26.0))
		assert.Zero(t, fe2.autoCalCount, "stored offsets reused")
		assert.Equal(t, int32(100), fe2.offset[adc.ChannelElectrode], "register words written back")
	})

	t.Run("calibration failure falls back to factory registers", func(t *testing.T) {
		m, _, fe := newTestManager()
		fe.failAutoCal = true
		require.NoError(t, m.AdcPrepare(25.0))
		assert.Equal(t, uint32(unityGainWord), fe.gainCal[adc.ChannelElectrode])
		assert.Zero(t, fe.offset[adc.ChannelElectrode])
	})

	t.Run("unresponsive converter is fatal", func(t *testing.T) {
		m, _, fe := newTestManager()
		fe.failAutoCal = true
		fe.failSetCal = true
		assert.Error(t, m.AdcPrepare(25.0))
	})
}

func TestManager_MeasureCoilResistance(t *testing.T) {
	m, _, fe := newTestManager()
	m.ApplyDefaults(Pipe2In) // 24 V supply

	// 300 mA through the 1 ohm shunt.
	fe.coilCounts = int32(300000.0 / adc.MicrovoltsPerCount(adc.MinGainStep))

	ohms := m.MeasureCoilResistance()
	assert.InDelta(t, 80.0, ohms, 0.5)
	assert.InDelta(t, 80.0, m.FlowCalibration().CoilOhms, 0.5)
	assert.InDelta(t, 300.0, fe.targetMA, 1e-3, "driven at the test current")
	assert.False(t, fe.coilEnabled, "coil released after the measurement")
}

func TestManager_MeasureCoilResistanceRejectsOpenCircuit(t *testing.T) {
	m, _, fe := newTestManager()
	m.ApplyDefaults(Pipe2In)
	before := m.FlowCalibration().CoilOhms

	fe.coilCounts = 0 // disconnected coil reads no current
	assert.Zero(t, m.MeasureCoilResistance())
	assert.InDelta(t, before, m.FlowCalibration().CoilOhms, 1e-6)
}

func TestManager_MeasureCoilResistanceRejectsInvalidSamples(t *testing.T) {
	m, _, fe := newTestManager()
	m.ApplyDefaults(Pipe2In)

	fe.coilCounts = int32(300000.0 / adc.MicrovoltsPerCount(adc.MinGainStep))
	fe.samplesOK = false
	assert.Zero(t, m.MeasureCoilResistance())
}
