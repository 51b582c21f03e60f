package cal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFlowCalibration() FlowCalibration {
	return FlowCalibration{
		PipeSize:        Pipe2_5In,
		Tier:            TierM,
		AutoZeroEnabled: true,
		ZeroOffsetUV:    -3.25,
		SpanUVPerMPS:    201.5,
		TempCoeffOffUV:  0.05,
		TempCoeffSpan:   0.001,
		RefTempC:        24.5,
		DiameterM:       0.0635,
		DutyOnMs:        50,
		DutyOffMs:       150,
		TargetCoilMA:    250,
		SupplyV:         24,
		CoilOhms:        81.2,
		CalDate:         1756400000,
		Serial:          100042,
	}
}

func TestFlowCalibration_RoundTrip(t *testing.T) {
	in := sampleFlowCalibration()
	b := in.Marshal()
	require.Len(t, b, FlowCalSize)

	out, err := UnmarshalFlowCalibration(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFlowCalibration_AnyCorruptByteFails(t *testing.T) {
	in := sampleFlowCalibration()
	good := in.Marshal()
	for i := 0; i < FlowCalSize; i++ {
		t.Run(fmt.Sprintf("byte %d", i), func(t *testing.T) {
			b := make([]byte, len(good))
			copy(b, good)
			b[i] ^= 0x01
			_, err := UnmarshalFlowCalibration(b)
			assert.Error(t, err)
		})
	}
}

func TestFlowCalibration_ValidationCauses(t *testing.T) {
	in := sampleFlowCalibration()
	good := in.Marshal()

	_, err := UnmarshalFlowCalibration(good[:FlowCalSize-1])
	assert.ErrorIs(t, err, ErrShortRecord)

	blank := make([]byte, FlowCalSize)
	_, err = UnmarshalFlowCalibration(blank)
	assert.ErrorIs(t, err, ErrBadMagic)

	// A payload flip must be reported as corruption, not as a version
	// or field problem.
	corrupt := make([]byte, len(good))
	copy(corrupt, good)
	corrupt[20] ^= 0xff
	_, err = UnmarshalFlowCalibration(corrupt)
	assert.ErrorIs(t, err, ErrBadCRC)

	// A future format version with a valid checksum is rejected last.
	future := make([]byte, len(good))
	copy(future, good)
	binary.LittleEndian.PutUint16(future[4:], flowCalVersion+1)
	binary.LittleEndian.PutUint32(future[57:], crc32.ChecksumIEEE(future[:57]))
	_, err = UnmarshalFlowCalibration(future)
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestAdcCalibration_RoundTrip(t *testing.T) {
	in := AdcCalibration{
		OffsetElectrode: -123,
		OffsetCoil:      45,
		GainElectrode:   0x400123,
		GainCoil:        0x3ffef0,
		CalTempC:        23.5,
		CalDate:         1756400000,
	}
	b := in.Marshal()
	require.Len(t, b, AdcCalSize)

	out, err := UnmarshalAdcCalibration(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestAdcCalibration_AnyCorruptByteFails(t *testing.T) {
	good := (&AdcCalibration{OffsetElectrode: 12, GainElectrode: 0x400000, GainCoil: 0x400000, CalDate: 1}).Marshal()
	for i := 0; i < AdcCalSize; i++ {
		b := make([]byte, len(good))
		copy(b, good)
		b[i] ^= 0x01
		_, err := UnmarshalAdcCalibration(b)
		assert.Error(t, err, "byte %d", i)
	}
}

func TestPipeSize_Tables(t *testing.T) {
	tests := []struct {
		pipe PipeSize
		name string
		dia  float32
		span float32
	}{
		{Pipe1In, "1in", 0.0254, 180},
		{Pipe1_5In, "1.5in", 0.0381, 190},
		{Pipe2In, "2in", 0.0508, 200},
		{Pipe2_5In, "2.5in", 0.0635, 200},
		{Pipe3In, "3in", 0.0762, 210},
		{Pipe4In, "4in", 0.1016, 220},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.pipe.String())
			assert.InDelta(t, tt.dia, tt.pipe.DiameterM(), 1e-6)
			assert.InDelta(t, tt.span, tt.pipe.DefaultSpanUVPerMPS(), 1e-6)

			p, ok := ParsePipeSize(tt.name)
			assert.True(t, ok)
			assert.Equal(t, tt.pipe, p)
		})
	}

	p, ok := ParsePipeSize("6in")
	assert.False(t, ok)
	assert.Equal(t, Pipe2In, p, "unknown sizes fall back to 2in")
}
