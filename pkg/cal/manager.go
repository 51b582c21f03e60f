package cal

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chewxy/math32"

	"github.com/ccroswhite/agsys-control-sub002/pkg/adc"
	"github.com/ccroswhite/agsys-control-sub002/pkg/store"
)

// Tier ID pin voltage centers in millivolts. Each tier claims
// center +/- 10%; the windows are disjoint by construction.
const (
	tierSCenterMV = 500
	tierMCenterMV = 1500
	tierLCenterMV = 2500
	tierTolerance = 0.10
)

// Fixed excitation defaults shared by all pipe sizes.
const (
	defaultDutyOnMs  = 50
	defaultDutyOffMs = 150
	defaultSerial    = 0
)

// Manager owns the persisted calibration records and the hardware
// setup operations that populate them.
type Manager struct {
	mu     sync.Mutex
	store  store.Store
	source adc.SampleSource
	coil   adc.CoilDriver
	clock  adc.Clock

	flow      FlowCalibration
	flowValid bool
	adcCal    AdcCalibration
	adcValid  bool
}

// NewManager creates a calibration manager over the given
// collaborators. clock may be nil, in which case a process clock is
// used.
func NewManager(st store.Store, src adc.SampleSource, coil adc.CoilDriver, clock adc.Clock) *Manager {
	if clock == nil {
		clock = adc.NewSystemClock()
	}
	return &Manager{store: st, source: src, coil: coil, clock: clock}
}

// FlowCalibration returns a copy of the current flow record.
func (m *Manager) FlowCalibration() FlowCalibration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flow
}

// SetFlowCalibration replaces the in-memory flow record (e.g. after
// the engine commits a zero or span calibration).
func (m *Manager) SetFlowCalibration(c FlowCalibration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flow = c
	m.flowValid = true
}

// LoadFlowCalibration reads and validates the persisted flow record.
// On any failure the prior in-memory record is left untouched and the
// cause is logged.
func (m *Manager) LoadFlowCalibration() bool {
	b := make([]byte, FlowCalSize)
	if err := m.store.Read(store.FlowCalAddr, b); err != nil {
		log.Printf("flow calibration: store read failed: %v", err)
		return false
	}
	c, err := UnmarshalFlowCalibration(b)
	if err != nil {
		switch {
		case errors.Is(err, ErrBadMagic):
			log.Printf("flow calibration: no record present (magic mismatch)")
		case errors.Is(err, ErrBadCRC):
			log.Printf("flow calibration: record corrupted (checksum mismatch)")
		case errors.Is(err, ErrBadVersion):
			log.Printf("flow calibration: unsupported record version")
		default:
			log.Printf("flow calibration: %v", err)
		}
		return false
	}
	m.mu.Lock()
	m.flow = c
	m.flowValid = true
	m.mu.Unlock()
	return true
}

// SaveFlowCalibration persists the in-memory flow record. A write
// failure is reported but does not roll back the in-memory state.
func (m *Manager) SaveFlowCalibration() error {
	m.mu.Lock()
	b := m.flow.Marshal()
	m.mu.Unlock()
	if err := m.store.Write(store.FlowCalAddr, b); err != nil {
		return fmt.Errorf("failed to persist flow calibration: %w", err)
	}
	return nil
}

// ApplyDefaults populates a fresh record from the per-pipe-size
// constant tables. CalDate stays zero: the meter is marked as running
// on uncalibrated defaults until a field calibration commits.
func (m *Manager) ApplyDefaults(pipe PipeSize) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flow = FlowCalibration{
		PipeSize:        pipe,
		Tier:            m.flow.Tier,
		AutoZeroEnabled: true,
		ZeroOffsetUV:    0,
		SpanUVPerMPS:    pipe.DefaultSpanUVPerMPS(),
		TempCoeffOffUV:  0,
		TempCoeffSpan:   0,
		RefTempC:        25,
		DiameterM:       pipe.DiameterM(),
		DutyOnMs:        defaultDutyOnMs,
		DutyOffMs:       defaultDutyOffMs,
		TargetCoilMA:    250,
		SupplyV:         24,
		CoilOhms:        80,
		CalDate:         0,
		Serial:          defaultSerial,
	}
	m.flowValid = true
}

// DetectTier classifies the tier ID pin voltage. Returns TierUnknown
// when the voltage sits outside every tier window.
func (m *Manager) DetectTier(mV float32) Tier {
	for _, t := range []struct {
		tier   Tier
		center float32
	}{
		{TierS, tierSCenterMV},
		{TierM, tierMCenterMV},
		{TierL, tierLCenterMV},
	} {
		if math32.Abs(mV-t.center) <= t.center*tierTolerance {
			return t.tier
		}
	}
	return TierUnknown
}

// ApplyTierDefaults overwrites the drive parameters with the tier's
// board constants. TierUnknown keeps the conservative existing values.
func (m *Manager) ApplyTierDefaults(t Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flow.Tier = t
	switch t {
	case TierS:
		m.flow.TargetCoilMA = 150
		m.flow.CoilOhms = 120
		m.flow.SupplyV = 12
		m.flow.DutyOnMs = 25
		m.flow.DutyOffMs = 75
	case TierM:
		m.flow.TargetCoilMA = 250
		m.flow.CoilOhms = 80
		m.flow.SupplyV = 24
		m.flow.DutyOnMs = 50
		m.flow.DutyOffMs = 150
	case TierL:
		m.flow.TargetCoilMA = 400
		m.flow.CoilOhms = 40
		m.flow.SupplyV = 24
		m.flow.DutyOnMs = 100
		m.flow.DutyOffMs = 300
	case TierUnknown:
		// keep whatever is loaded; the boot sequence logs this
	}
}

// IsCalibrated reports whether a trusted, field-calibrated record is
// loaded. Factory defaults (CalDate == 0) do not count.
func (m *Manager) IsCalibrated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flowValid && m.flow.CalDate != 0
}

// CommitFieldCalibration replaces the record, stamps the calibration
// date and persists. This is the path zero/span/auto-zero commits go
// through, so a successful field calibration always clears the
// "uncalibrated defaults" marker.
func (m *Manager) CommitFieldCalibration(c FlowCalibration) error {
	c.CalDate = uint32(time.Now().Unix())
	m.SetFlowCalibration(c)
	return m.SaveFlowCalibration()
}
