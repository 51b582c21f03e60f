package cal

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/chewxy/math32"

	"github.com/ccroswhite/agsys-control-sub002/pkg/adc"
	"github.com/ccroswhite/agsys-control-sub002/pkg/store"
)

const (
	// fullCalSamples is the per-channel conversion count for the full
	// inputs-shorted calibration.
	fullCalSamples = 1024
	// quickCalSamples is the fast-path count used when only the offset
	// needs a touch-up.
	quickCalSamples = 64
	// tempDriftThresholdC is how far the board temperature may wander
	// from the calibration temperature before the offsets are stale.
	tempDriftThresholdC = 10.0
	// unityGainWord is the converter's factory mid-scale gain register.
	unityGainWord = 0x400000
)

var calChannels = []adc.Channel{adc.ChannelElectrode, adc.ChannelCoil}

// LoadAdcCalibration reads and validates the persisted ADC record.
func (m *Manager) LoadAdcCalibration() bool {
	b := make([]byte, AdcCalSize)
	if err := m.store.Read(store.AdcCalAddr, b); err != nil {
		log.Printf("adc calibration: store read failed: %v", err)
		return false
	}
	c, err := UnmarshalAdcCalibration(b)
	if err != nil {
		switch {
		case errors.Is(err, ErrBadMagic):
			log.Printf("adc calibration: no record present (magic mismatch)")
		case errors.Is(err, ErrBadCRC):
			log.Printf("adc calibration: record corrupted (checksum mismatch)")
		case errors.Is(err, ErrBadVersion):
			log.Printf("adc calibration: unsupported record version")
		default:
			log.Printf("adc calibration: %v", err)
		}
		return false
	}
	m.mu.Lock()
	m.adcCal = c
	m.adcValid = true
	m.mu.Unlock()
	return true
}

// SaveAdcCalibration persists the in-memory ADC record.
func (m *Manager) SaveAdcCalibration() error {
	m.mu.Lock()
	b := m.adcCal.Marshal()
	m.mu.Unlock()
	if err := m.store.Write(store.AdcCalAddr, b); err != nil {
		return fmt.Errorf("failed to persist adc calibration: %w", err)
	}
	return nil
}

// AdcCalibration returns a copy of the current ADC record.
func (m *Manager) AdcCalibration() AdcCalibration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adcCal
}

// AdcCalibrate runs the full per-channel offset calibration, reads
// the resulting register words back and persists them together with
// the calibration temperature. Measurement must be stopped while this
// runs; the converter is in inputs-shorted mode throughout.
func (m *Manager) AdcCalibrate(boardTempC float32) error {
	return m.adcCalibrate(boardTempC, fullCalSamples)
}

// AdcQuickOffsetCal is the fast path: fewer conversions, offsets only.
func (m *Manager) AdcQuickOffsetCal(boardTempC float32) error {
	return m.adcCalibrate(boardTempC, quickCalSamples)
}

func (m *Manager) adcCalibrate(boardTempC float32, samples int) error {
	var c AdcCalibration
	for _, ch := range calChannels {
		if err := m.source.AutoOffsetCal(ch, samples); err != nil {
			return fmt.Errorf("channel %d offset calibration: %w", ch, err)
		}
	}

	offE, err := m.source.OffsetCal(adc.ChannelElectrode)
	if err != nil {
		return fmt.Errorf("electrode offset readback: %w", err)
	}
	offC, err := m.source.OffsetCal(adc.ChannelCoil)
	if err != nil {
		return fmt.Errorf("coil offset readback: %w", err)
	}
	gainE, err := m.source.GainCal(adc.ChannelElectrode)
	if err != nil {
		return fmt.Errorf("electrode gain readback: %w", err)
	}
	gainC, err := m.source.GainCal(adc.ChannelCoil)
	if err != nil {
		return fmt.Errorf("coil gain readback: %w", err)
	}

	c.OffsetElectrode = offE
	c.OffsetCoil = offC
	c.GainElectrode = gainE
	c.GainCoil = gainC
	c.CalTempC = boardTempC
	c.CalDate = uint32(time.Now().Unix())

	m.mu.Lock()
	m.adcCal = c
	m.adcValid = true
	m.mu.Unlock()

	return m.SaveAdcCalibration()
}

// AdcNeedsCalibration reports whether no trusted ADC record exists or
// the board temperature has drifted past the staleness threshold.
func (m *Manager) AdcNeedsCalibration(currentTempC float32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.adcValid {
		return true
	}
	return math32.Abs(currentTempC-m.adcCal.CalTempC) > tempDriftThresholdC
}

// AdcPrepare is the boot-time load-or-calibrate sequence: use the
// stored record if fresh, otherwise run a full calibration, and fall
// back to factory register defaults if even that fails. It returns an
// error only when the converter itself cannot be configured, which is
// fatal for the measurement subsystem.
func (m *Manager) AdcPrepare(boardTempC float32) error {
	if m.LoadAdcCalibration() && !m.AdcNeedsCalibration(boardTempC) {
		m.mu.Lock()
		c := m.adcCal
		m.mu.Unlock()
		if err := m.applyAdcCal(c); err != nil {
			return fmt.Errorf("failed to apply stored adc calibration: %w", err)
		}
		return nil
	}

	if err := m.AdcCalibrate(boardTempC); err != nil {
		log.Printf("adc calibration failed, resetting converter to factory defaults: %v", err)
		if err := m.applyAdcCal(AdcCalibration{
			GainElectrode: unityGainWord,
			GainCoil:      unityGainWord,
		}); err != nil {
			return fmt.Errorf("adc not responding: %w", err)
		}
	}
	return nil
}

// applyAdcCal writes the record's register words into the converter.
func (m *Manager) applyAdcCal(c AdcCalibration) error {
	if err := m.source.SetOffsetCal(adc.ChannelElectrode, c.OffsetElectrode); err != nil {
		return err
	}
	if err := m.source.SetOffsetCal(adc.ChannelCoil, c.OffsetCoil); err != nil {
		return err
	}
	if err := m.source.SetGainCal(adc.ChannelElectrode, c.GainElectrode); err != nil {
		return err
	}
	return m.source.SetGainCal(adc.ChannelCoil, c.GainCoil)
}
