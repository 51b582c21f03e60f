// Package cal owns the persisted calibration records and their
// lifecycle: factory defaults, hardware tier detection, ADC
// offset/gain calibration and coil resistance measurement.
package cal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math"
)

// Record magic numbers and format versions. The byte layout is shared
// with the persisted FRAM image and the configuration channel, so it
// must not change without a version bump.
const (
	flowCalMagic   uint32 = 0x464C4F57 // "FLOW"
	flowCalVersion uint16 = 1
	adcCalMagic    uint32 = 0x41444343 // "ADCC"
	adcCalVersion  uint16 = 1

	// FlowCalSize is the serialized FlowCalibration length in bytes.
	FlowCalSize = 61
	// AdcCalSize is the serialized AdcCalibration length in bytes.
	AdcCalSize = 34
)

// Record validation failures. Each cause is distinct so the loader can
// log what actually went wrong.
var (
	ErrShortRecord = errors.New("record truncated")
	ErrBadMagic    = errors.New("record magic mismatch")
	ErrBadCRC      = errors.New("record checksum mismatch")
	ErrBadVersion  = errors.New("record format version mismatch")
)

// PipeSize is the meter body size.
type PipeSize uint8

const (
	Pipe1In PipeSize = iota
	Pipe1_5In
	Pipe2In
	Pipe2_5In
	Pipe3In
	Pipe4In
)

// DiameterM returns the pipe inner diameter in meters.
func (p PipeSize) DiameterM() float32 {
	switch p {
	case Pipe1In:
		return 0.0254
	case Pipe1_5In:
		return 0.0381
	case Pipe2In:
		return 0.0508
	case Pipe2_5In:
		return 0.0635
	case Pipe3In:
		return 0.0762
	case Pipe4In:
		return 0.1016
	}
	return 0.0508
}

// DefaultSpanUVPerMPS returns the factory span coefficient for the
// pipe size, in microvolts per m/s.
func (p PipeSize) DefaultSpanUVPerMPS() float32 {
	switch p {
	case Pipe1In:
		return 180
	case Pipe1_5In:
		return 190
	case Pipe2In, Pipe2_5In:
		return 200
	case Pipe3In:
		return 210
	case Pipe4In:
		return 220
	}
	return 200
}

// String names the pipe size.
func (p PipeSize) String() string {
	switch p {
	case Pipe1In:
		return "1in"
	case Pipe1_5In:
		return "1.5in"
	case Pipe2In:
		return "2in"
	case Pipe2_5In:
		return "2.5in"
	case Pipe3In:
		return "3in"
	case Pipe4In:
		return "4in"
	}
	return "unknown"
}

// ParsePipeSize maps a configuration string to a PipeSize.
func ParsePipeSize(s string) (PipeSize, bool) {
	for _, p := range []PipeSize{Pipe1In, Pipe1_5In, Pipe2In, Pipe2_5In, Pipe3In, Pipe4In} {
		if p.String() == s {
			return p, true
		}
	}
	return Pipe2In, false
}

// Tier is the detected power/coil board variant.
type Tier uint8

const (
	TierUnknown Tier = iota
	TierS
	TierM
	TierL
)

// String names the hardware tier.
func (t Tier) String() string {
	switch t {
	case TierS:
		return "S"
	case TierM:
		return "M"
	case TierL:
		return "L"
	}
	return "unknown"
}

// FlowCalibration is the persisted flow calibration record.
// CalDate == 0 marks factory defaults that were never field-calibrated.
type FlowCalibration struct {
	PipeSize        PipeSize
	Tier            Tier
	AutoZeroEnabled bool
	ZeroOffsetUV    float32 // residual signal at true zero flow
	SpanUVPerMPS    float32 // signal per unit velocity
	TempCoeffOffUV  float32 // zero offset drift, uV per degC
	TempCoeffSpan   float32 // span drift, fraction per degC
	RefTempC        float32
	DiameterM       float32
	DutyOnMs        uint16
	DutyOffMs       uint16
	TargetCoilMA    float32
	SupplyV         float32
	CoilOhms        float32
	CalDate         uint32 // unix seconds of last field calibration
	Serial          uint32
}

// Marshal serializes the record into its fixed little-endian layout
// and appends the CRC32 over all preceding bytes.
func (c *FlowCalibration) Marshal() []byte {
	b := make([]byte, FlowCalSize)
	binary.LittleEndian.PutUint32(b[0:], flowCalMagic)
	binary.LittleEndian.PutUint16(b[4:], flowCalVersion)
	b[6] = byte(c.PipeSize)
	b[7] = byte(c.Tier)
	if c.AutoZeroEnabled {
		b[8] = 1
	}
	putF32(b[9:], c.ZeroOffsetUV)
	putF32(b[13:], c.SpanUVPerMPS)
	putF32(b[17:], c.TempCoeffOffUV)
	putF32(b[21:], c.TempCoeffSpan)
	putF32(b[25:], c.RefTempC)
	putF32(b[29:], c.DiameterM)
	binary.LittleEndian.PutUint16(b[33:], c.DutyOnMs)
	binary.LittleEndian.PutUint16(b[35:], c.DutyOffMs)
	putF32(b[37:], c.TargetCoilMA)
	putF32(b[41:], c.SupplyV)
	putF32(b[45:], c.CoilOhms)
	binary.LittleEndian.PutUint32(b[49:], c.CalDate)
	binary.LittleEndian.PutUint32(b[53:], c.Serial)
	binary.LittleEndian.PutUint32(b[57:], crc32.ChecksumIEEE(b[:57]))
	return b
}

// UnmarshalFlowCalibration validates magic, CRC and version before
// decoding. Validation order matters: a corrupted record must fail on
// CRC, not on whatever field happens to decode badly.
func UnmarshalFlowCalibration(b []byte) (FlowCalibration, error) {
	var c FlowCalibration
	if len(b) < FlowCalSize {
		return c, ErrShortRecord
	}
	if binary.LittleEndian.Uint32(b[0:]) != flowCalMagic {
		return c, ErrBadMagic
	}
	if binary.LittleEndian.Uint32(b[57:]) != crc32.ChecksumIEEE(b[:57]) {
		return c, ErrBadCRC
	}
	if binary.LittleEndian.Uint16(b[4:]) != flowCalVersion {
		return c, ErrBadVersion
	}
	c.PipeSize = PipeSize(b[6])
	c.Tier = Tier(b[7])
	c.AutoZeroEnabled = b[8] != 0
	c.ZeroOffsetUV = getF32(b[9:])
	c.SpanUVPerMPS = getF32(b[13:])
	c.TempCoeffOffUV = getF32(b[17:])
	c.TempCoeffSpan = getF32(b[21:])
	c.RefTempC = getF32(b[25:])
	c.DiameterM = getF32(b[29:])
	c.DutyOnMs = binary.LittleEndian.Uint16(b[33:])
	c.DutyOffMs = binary.LittleEndian.Uint16(b[35:])
	c.TargetCoilMA = getF32(b[37:])
	c.SupplyV = getF32(b[41:])
	c.CoilOhms = getF32(b[45:])
	c.CalDate = binary.LittleEndian.Uint32(b[49:])
	c.Serial = binary.LittleEndian.Uint32(b[53:])
	return c, nil
}

// AdcCalibration is the persisted ADC channel calibration record.
type AdcCalibration struct {
	OffsetElectrode int32
	OffsetCoil      int32
	GainElectrode   uint32
	GainCoil        uint32
	CalTempC        float32
	CalDate         uint32
}

// Marshal serializes the record into its fixed little-endian layout.
func (c *AdcCalibration) Marshal() []byte {
	b := make([]byte, AdcCalSize)
	binary.LittleEndian.PutUint32(b[0:], adcCalMagic)
	binary.LittleEndian.PutUint16(b[4:], adcCalVersion)
	binary.LittleEndian.PutUint32(b[6:], uint32(c.OffsetElectrode))
	binary.LittleEndian.PutUint32(b[10:], uint32(c.OffsetCoil))
	binary.LittleEndian.PutUint32(b[14:], c.GainElectrode)
	binary.LittleEndian.PutUint32(b[18:], c.GainCoil)
	putF32(b[22:], c.CalTempC)
	binary.LittleEndian.PutUint32(b[26:], c.CalDate)
	binary.LittleEndian.PutUint32(b[30:], crc32.ChecksumIEEE(b[:30]))
	return b
}

// UnmarshalAdcCalibration validates magic, CRC and version before
// decoding.
func UnmarshalAdcCalibration(b []byte) (AdcCalibration, error) {
	var c AdcCalibration
	if len(b) < AdcCalSize {
		return c, ErrShortRecord
	}
	if binary.LittleEndian.Uint32(b[0:]) != adcCalMagic {
		return c, ErrBadMagic
	}
	if binary.LittleEndian.Uint32(b[30:]) != crc32.ChecksumIEEE(b[:30]) {
		return c, ErrBadCRC
	}
	if binary.LittleEndian.Uint16(b[4:]) != adcCalVersion {
		return c, ErrBadVersion
	}
	c.OffsetElectrode = int32(binary.LittleEndian.Uint32(b[6:]))
	c.OffsetCoil = int32(binary.LittleEndian.Uint32(b[10:]))
	c.GainElectrode = binary.LittleEndian.Uint32(b[14:])
	c.GainCoil = binary.LittleEndian.Uint32(b[18:])
	c.CalTempC = getF32(b[22:])
	c.CalDate = binary.LittleEndian.Uint32(b[26:])
	return c, nil
}

func putF32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

func getF32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
