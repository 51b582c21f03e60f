package cal

import (
	"log"
	"time"

	"github.com/ccroswhite/agsys-control-sub002/pkg/adc"
)

const (
	// coilTestCurrentMA drives the coil hard enough that the sense
	// voltage dominates ADC noise.
	coilTestCurrentMA = 300
	// coilSettle is how long to wait for the current loop to stabilize
	// after enabling the driver.
	coilSettle = 50 * time.Millisecond
	// coilMeasureSamples is how many current-sense conversions to
	// average, paced at ~1 ms each.
	coilMeasureSamples = 100
	// coilMinValidSamples is the floor below which the measurement is
	// rejected outright.
	coilMinValidSamples = 50
	// coilMinPlausibleMA separates a connected coil from an open
	// circuit. A disconnected coil reads near zero current.
	coilMinPlausibleMA = 10
)

// MeasureCoilResistance drives the coil at the test current, averages
// the current-sense channel and computes R = V_supply / I. It returns
// 0 when too few valid samples were collected or the measured current
// is implausibly low (disconnected coil). On success the measured
// resistance is written into the flow record (not yet persisted).
func (m *Manager) MeasureCoilResistance() float32 {
	if err := m.coil.SetTargetCurrent(coilTestCurrentMA); err != nil {
		log.Printf("coil measurement: set target current: %v", err)
		return 0
	}
	if err := m.coil.SoftStart(); err != nil {
		log.Printf("coil measurement: soft start: %v", err)
		return 0
	}
	defer func() {
		if err := m.coil.Disable(); err != nil {
			log.Printf("coil measurement: disable: %v", err)
		}
	}()

	time.Sleep(coilSettle)

	var sum float64
	valid := 0
	for i := 0; i < coilMeasureSamples; i++ {
		s, err := m.source.ReadSample()
		if err != nil {
			continue
		}
		if !s.Valid {
			continue
		}
		sum += float64(s.Coil)
		valid++
		time.Sleep(time.Millisecond)
	}

	if valid < coilMinValidSamples {
		log.Printf("coil measurement: only %d valid samples", valid)
		return 0
	}

	currentMA := adc.CountsToMilliamps(float32(sum / float64(valid)))
	if currentMA < coilMinPlausibleMA {
		log.Printf("coil measurement: current %.1f mA too low, coil disconnected?", currentMA)
		return 0
	}

	m.mu.Lock()
	supply := m.flow.SupplyV
	m.mu.Unlock()

	ohms := supply / (currentMA / 1000.0)

	m.mu.Lock()
	m.flow.CoilOhms = ohms
	m.mu.Unlock()
	return ohms
}
